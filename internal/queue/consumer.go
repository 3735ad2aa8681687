package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/service"
)

const maxBackoff = 30 * time.Second

// Confirmer books held seats against a settled payment.  It is
// implemented by service.ReservationService.
type Confirmer interface {
	Confirm(ctx context.Context, req service.ConfirmRequest) (*model.BookingRecord, error)
}

// PaymentConsumer consumes payment.confirmed and confirms the referenced
// holds.  Acknowledgement follows the outcome:
//
//	booked or duplicate            ack
//	conflict, expired, malformed   nack without requeue
//	store unavailable              nack with requeue
type PaymentConsumer struct {
	url       string
	confirmer Confirmer
	logger    zerolog.Logger
	prefetch  int
}

// NewPaymentConsumer returns a consumer for the broker at url.
func NewPaymentConsumer(url string, confirmer Confirmer, logger zerolog.Logger) *PaymentConsumer {
	return &PaymentConsumer{url: url, confirmer: confirmer, logger: logger, prefetch: 50}
}

// Run connects, consumes and reconnects with exponential backoff until
// ctx is cancelled.  It returns ctx.Err().
func (c *PaymentConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("payment consumer: dial failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("payment consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *PaymentConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn().Err(err).Msg("payment consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(PaymentConfirmedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(PaymentConfirmedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Info().Str("queue", PaymentConfirmedQueue).Msg("payment consumer: consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery confirms one message and settles it with the broker.
func (c *PaymentConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev PaymentConfirmedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Error().Err(err).Msg("payment consumer: malformed payload")
		_ = d.Nack(false, false)
		return
	}
	log := c.logger.With().Str("payment_ref", ev.PaymentRef).Uint64("show_id", ev.ShowID).Logger()

	rec, err := c.confirmer.Confirm(ctx, service.ConfirmRequest{
		ShowID:      ev.ShowID,
		SeatIDs:     ev.SeatIDs,
		RequesterID: ev.HolderID,
		PaymentRef:  ev.PaymentRef,
	})
	switch {
	case err == nil:
		log.Info().Str("booking_id", rec.BookingID).Msg("payment consumer: booking confirmed")
		_ = d.Ack(false)
	case errors.Is(err, service.ErrStoreUnavailable):
		log.Warn().Err(err).Msg("payment consumer: store unavailable; requeueing")
		_ = d.Nack(false, true)
	default:
		log.Error().Err(err).Msg("payment consumer: confirmation rejected")
		_ = d.Nack(false, false)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleep waits for d or ctx.  It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
