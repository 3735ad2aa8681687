package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/seat-reservation-engine/internal/config"
	"github.com/iliyamo/seat-reservation-engine/internal/database"
	"github.com/iliyamo/seat-reservation-engine/internal/handler"
	applog "github.com/iliyamo/seat-reservation-engine/internal/log"
	"github.com/iliyamo/seat-reservation-engine/internal/metrics"
	"github.com/iliyamo/seat-reservation-engine/internal/queue"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
	"github.com/iliyamo/seat-reservation-engine/internal/rules"
	"github.com/iliyamo/seat-reservation-engine/internal/seatlock"
	"github.com/iliyamo/seat-reservation-engine/internal/service"
	"github.com/iliyamo/seat-reservation-engine/internal/throttle"
	"github.com/iliyamo/seat-reservation-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := applog.Base()
		bootLog.Fatal().Err(err).Msg("load config")
	}
	applog.Configure(applog.Config{Level: cfg.LogLevel, Env: cfg.Env})
	logger := applog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect mysql")
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.LockStore == config.LockStoreRedis || cfg.HoldRateCapacity > 0 {
		rdb, err = config.NewRedisClient(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
	}

	var store seatlock.Store
	if cfg.LockStore == config.LockStoreRedis {
		store = seatlock.NewRedisStore(rdb, cfg.LockPrefix)
	} else {
		store = seatlock.NewMemoryStore()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	catalog := repository.NewSeatCatalogRepo(db)
	bookings := repository.NewBookingRepo(db)
	validator := rules.NewValidator(rules.Policy{
		MaxSeatsPerRequest:      cfg.MaxSeatsPerRequest,
		MaxAccessiblePerRequest: cfg.MaxAccessiblePerRequest,
		AdjacencyEnabled:        cfg.AdjacencyPolicyEnabled,
		SuggestedAlternatives:   cfg.SuggestedAlternatives,
	}, catalog, store, nil)

	publisher := queue.NewPublisher(cfg.RabbitMQURL, applog.WithComponent("publisher"))
	defer publisher.Close()

	svc := service.NewReservationService(service.Config{HoldTTL: cfg.HoldTTL, PinGrace: cfg.PinGrace},
		store, validator, catalog, bookings, publisher, applog.WithComponent("reservation"), m)
	if cfg.HoldRateCapacity > 0 {
		svc.WithThrottle(throttle.NewLimiter(rdb, throttle.Config{
			Capacity:       cfg.HoldRateCapacity,
			RefillInterval: cfg.HoldRateRefill,
			Prefix:         cfg.LockPrefix + ":throttle",
		}, nil))
	}

	sweeper := worker.NewExpirySweeper(store, bookings, cfg.SweepInterval, cfg.SweepBatch, nil,
		applog.WithComponent("sweeper"), m)

	checks := map[string]handler.Pinger{"mysql": handler.PingFunc(db.PingContext), "redis": nil}
	if rdb != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", handler.NewHealthHandler(checks).Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	if cfg.ConsumePayments {
		consumer := queue.NewPaymentConsumer(cfg.RabbitMQURL, svc, applog.WithComponent("payment-consumer"))
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("lock_store", cfg.LockStore).Msg("ops server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("engine stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("engine stopped")
}
