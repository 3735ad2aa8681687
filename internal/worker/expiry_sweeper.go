// Package worker hosts background loops that keep the seat lock store
// consistent without a caller in the loop.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/seat-reservation-engine/internal/metrics"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/seatlock"
)

// BookingFence settles the payment reference of an abandoned pin.
// VoidPaymentRef returns the booking when one was written; otherwise it
// voids the reference so that a booking write still in flight can no
// longer commit.  It is implemented by repository.BookingRepo.
type BookingFence interface {
	VoidPaymentRef(ctx context.Context, paymentRef string, showID uint64, holderID string, at time.Time) (*model.BookingRecord, bool, error)
}

// SweepStats counts the transitions of one sweep.
//
// Fields:
//  Expired  – lapsed holds returned to Available.
//  Booked   – pinned seats whose booking exists, moved to Booked.
//  Restored – pinned seats without a booking, returned to Available.
type SweepStats struct {
	Expired  int
	Booked   int
	Restored int
}

// ExpirySweeper periodically clears lapsed holds and reconciles seats
// left pinned by a confirmation that never finished.  Reads already treat
// a lapsed hold as Available; the sweeper only makes the stored state
// catch up and keeps the expiry index short.
type ExpirySweeper struct {
	store    seatlock.Store
	bookings BookingFence
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewExpirySweeper returns a sweeper.  A nil now selects time.Now.
func NewExpirySweeper(store seatlock.Store, bookings BookingFence, interval time.Duration, batch int,
	now func() time.Time, logger zerolog.Logger, m *metrics.Metrics) *ExpirySweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	if now == nil {
		now = time.Now
	}
	return &ExpirySweeper{
		store:    store,
		bookings: bookings,
		interval: interval,
		batch:    batch,
		now:      now,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (w *ExpirySweeper) Start(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Int("batch", w.batch).Msg("expiry sweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("expiry sweeper stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop ends a running Start and waits for it to return.
func (w *ExpirySweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *ExpirySweeper) sweep(ctx context.Context) {
	stats, err := w.SweepOnce(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("sweep failed")
	}
	if stats.Expired+stats.Booked+stats.Restored > 0 {
		w.logger.Info().Int("expired", stats.Expired).Int("booked", stats.Booked).
			Int("restored", stats.Restored).Msg("sweep finished")
	} else {
		w.logger.Debug().Msg("nothing to sweep")
	}
}

// SweepOnce processes one batch of seats whose deadline has passed.
// Every transition is a conditional swap, so a seat re-held or confirmed
// since the index was read is left alone.  Errors on one seat do not stop
// the batch; the first error is returned with the partial stats.
func (w *ExpirySweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := w.now()
	keys, err := w.store.Expiring(ctx, now, w.batch)
	if err != nil {
		return stats, err
	}
	var firstErr error
	for _, k := range keys {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := w.sweepSeat(ctx, k, now, &stats); err != nil {
			w.logger.Warn().Err(err).Str("seat", k.String()).Msg("sweep seat failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.metrics.Sweep("expired", stats.Expired)
	w.metrics.Sweep("booked", stats.Booked)
	w.metrics.Sweep("restored", stats.Restored)
	return stats, firstErr
}

func (w *ExpirySweeper) sweepSeat(ctx context.Context, k seatlock.Key, now time.Time, stats *SweepStats) error {
	prev, ok, err := w.store.Swap(ctx, seatlock.Lapsed(), model.AvailableLock(k.ShowID, k.SeatID), now)
	if err != nil {
		return err
	}
	if ok {
		stats.Expired++
		return nil
	}
	if !prev.Pending() || prev.ExpiresAt.After(now) {
		return nil
	}

	rec, found, err := w.bookings.VoidPaymentRef(ctx, prev.PaymentRef, k.ShowID, prev.HolderID, now)
	if err != nil {
		return err
	}
	cond := seatlock.Pinned(prev.HolderID, prev.PaymentRef)
	if found && rec.ShowID == k.ShowID && containsSeat(rec, k.SeatID) {
		if _, ok, err := w.store.Swap(ctx, cond, model.Booked(k.ShowID, k.SeatID, prev.PaymentRef), now); err != nil {
			return err
		} else if ok {
			stats.Booked++
		}
		return nil
	}
	if _, ok, err := w.store.Swap(ctx, cond, model.AvailableLock(k.ShowID, k.SeatID), now); err != nil {
		return err
	} else if ok {
		stats.Restored++
		w.logger.Warn().Str("seat", k.String()).Str("payment_ref", prev.PaymentRef).
			Msg("released seat pinned by an unfinished confirmation")
	}
	return nil
}

func containsSeat(rec *model.BookingRecord, seatID uint64) bool {
	for _, s := range rec.Seats {
		if s.SeatID == seatID {
			return true
		}
	}
	return false
}
