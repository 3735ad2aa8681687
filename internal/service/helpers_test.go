package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
	"github.com/iliyamo/seat-reservation-engine/internal/rules"
	"github.com/iliyamo/seat-reservation-engine/internal/seatlock"
)

const showX = uint64(1)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// catalog offers seats 1..20 of showX, seat n priced n*100 cents.
type catalog struct{}

func (catalog) SeatsForShow(_ context.Context, showID uint64) ([]model.CatalogSeat, error) {
	if showID != showX {
		return []model.CatalogSeat{}, nil
	}
	seats := make([]model.CatalogSeat, 0, 20)
	for n := uint64(1); n <= 20; n++ {
		seats = append(seats, model.CatalogSeat{
			SeatID: n, Section: "MAIN", RowLabel: "A", SeatNumber: uint32(n), SeatType: "STANDARD", PriceCents: uint32(n * 100),
		})
	}
	return seats, nil
}

// bookingStore keeps bookings and voided references keyed by payment
// reference, mirroring the unique payment_ref of the bookings table.
type bookingStore struct {
	mu      sync.Mutex
	byRef   map[string]*model.BookingRecord
	voided  map[string]bool
	creates int32
	failOn  error
	findErr error
	// beforeWrite runs at the start of CreateBooking, outside the lock.
	beforeWrite func()
}

func newBookingStore() *bookingStore {
	return &bookingStore{byRef: map[string]*model.BookingRecord{}, voided: map[string]bool{}}
}

func (b *bookingStore) CreateBooking(_ context.Context, rec *model.BookingRecord) (*model.BookingRecord, error) {
	atomic.AddInt32(&b.creates, 1)
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != nil {
		return nil, b.failOn
	}
	if b.voided[rec.PaymentRef] {
		return nil, repository.ErrPaymentVoided
	}
	if existing, ok := b.byRef[rec.PaymentRef]; ok {
		return existing, nil
	}
	for _, other := range b.byRef {
		for _, s := range other.Seats {
			for _, mine := range rec.Seats {
				if other.ShowID == rec.ShowID && s.SeatID == mine.SeatID {
					return nil, repository.ErrSeatAlreadyBooked
				}
			}
		}
	}
	cp := *rec
	b.byRef[rec.PaymentRef] = &cp
	return &cp, nil
}

func (b *bookingStore) FindByPaymentRef(_ context.Context, ref string) (*model.BookingRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.findErr != nil {
		return nil, false, b.findErr
	}
	if b.voided[ref] {
		return nil, false, repository.ErrPaymentVoided
	}
	rec, ok := b.byRef[ref]
	return rec, ok, nil
}

func (b *bookingStore) VoidPaymentRef(_ context.Context, ref string, _ uint64, _ string, _ time.Time) (*model.BookingRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.byRef[ref]; ok {
		return rec, true, nil
	}
	b.voided[ref] = true
	return nil, false, nil
}

func (b *bookingStore) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byRef)
}

type publisher struct {
	mu   sync.Mutex
	sent []*model.BookingRecord
	err  error
}

func (p *publisher) PublishBookingConfirmed(_ context.Context, rec *model.BookingRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, rec)
	return p.err
}

// flakyStore fails every Swap whose ordinal is in failAt.
type flakyStore struct {
	seatlock.Store
	calls  int32
	failAt map[int32]bool
}

var errStoreDown = errors.New("connection reset")

func (f *flakyStore) Swap(ctx context.Context, cond seatlock.Condition, next model.SeatLock, now time.Time) (model.SeatLock, bool, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failAt[n] {
		return model.SeatLock{}, false, errStoreDown
	}
	return f.Store.Swap(ctx, cond, next, now)
}

type fixture struct {
	svc      *ReservationService
	store    seatlock.Store
	bookings *bookingStore
	pub      *publisher
	clock    *clock
}

func newFixture(t *testing.T, store seatlock.Store) *fixture {
	t.Helper()
	if store == nil {
		store = seatlock.NewMemoryStore()
	}
	clk := newClock()
	bookings := newBookingStore()
	pub := &publisher{}
	validator := rules.NewValidator(rules.Policy{MaxSeatsPerRequest: 6}, catalog{}, store, clk.Now)
	svc := NewReservationService(Config{HoldTTL: 10 * time.Minute, PinGrace: 30 * time.Second, Now: clk.Now},
		store, validator, catalog{}, bookings, pub, zerolog.Nop(), nil)
	return &fixture{svc: svc, store: store, bookings: bookings, pub: pub, clock: clk}
}

func (f *fixture) hold(t *testing.T, requester string, seats ...uint64) model.HoldResult {
	t.Helper()
	res, err := f.svc.Hold(context.Background(), model.ReservationRequest{ShowID: showX, SeatIDs: seats, RequesterID: requester})
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, seat uint64) model.SeatLock {
	t.Helper()
	l, err := f.svc.Status(context.Background(), showX, seat)
	require.NoError(t, err)
	return l
}
