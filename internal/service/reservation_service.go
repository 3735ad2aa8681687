// Package service contains the Reservation Coordinator: the component that
// turns hold, release, confirm and status requests into atomic transitions
// of the seat lock store.  Multi-seat holds are all-or-nothing; seats are
// acquired in ascending seat id order so two overlapping requests can never
// wait on each other, and every acquisition is recorded so a failure can be
// undone exactly.
package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/seat-reservation-engine/internal/metrics"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/rules"
	"github.com/iliyamo/seat-reservation-engine/internal/seatlock"
	"github.com/iliyamo/seat-reservation-engine/internal/throttle"
)

// RequestValidator evaluates business rules before any lock is attempted.
// It is implemented by rules.Validator.
type RequestValidator interface {
	Validate(ctx context.Context, showID uint64, seatIDs []uint64, requesterID string) (model.ValidationVerdict, error)
}

// BookingStore persists bookings.  CreateBooking must be idempotent on the
// payment reference: a second call with a reference that is already stored
// returns the original record and no error.
type BookingStore interface {
	CreateBooking(ctx context.Context, rec *model.BookingRecord) (*model.BookingRecord, error)
	FindByPaymentRef(ctx context.Context, paymentRef string) (*model.BookingRecord, bool, error)
}

// Publisher announces committed bookings.  A publish failure never undoes
// a booking.
type Publisher interface {
	PublishBookingConfirmed(ctx context.Context, rec *model.BookingRecord) error
}

// HoldThrottle caps hold attempts per requester.  It is implemented by
// throttle.Limiter.
type HoldThrottle interface {
	Allow(ctx context.Context, requesterID string) (throttle.Decision, error)
}

// Config holds the coordinator settings.
//
// Fields:
//  HoldTTL  – hold duration applied when a request does not name one.
//  PinGrace – how long a seat stays pinned by an unfinished confirmation
//             before the sweeper reconciles it.
//  Now      – clock; time.Now when nil.
type Config struct {
	HoldTTL  time.Duration
	PinGrace time.Duration
	Now      func() time.Time
}

// ReservationService coordinates holds, releases and confirmations.  It
// keeps no per-request state between calls; everything a caller can
// observe lives in the seat lock store or the booking store.
type ReservationService struct {
	cfg       Config
	store     seatlock.Store
	validator RequestValidator
	catalog   rules.SeatCatalog
	bookings  BookingStore
	publisher Publisher
	throttle  HoldThrottle
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	confirms singleflight.Group
}

// NewReservationService wires a coordinator.  publisher and m may be nil.
func NewReservationService(cfg Config, store seatlock.Store, validator RequestValidator, catalog rules.SeatCatalog,
	bookings BookingStore, publisher Publisher, logger zerolog.Logger, m *metrics.Metrics) *ReservationService {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}
	if cfg.PinGrace <= 0 {
		cfg.PinGrace = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ReservationService{
		cfg:       cfg,
		store:     store,
		validator: validator,
		catalog:   catalog,
		bookings:  bookings,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

// WithThrottle makes Reserve consult t before evaluating the rules.
func (s *ReservationService) WithThrottle(t HoldThrottle) *ReservationService {
	s.throttle = t
	return s
}

// Validate runs the business rules for a prospective hold.
func (s *ReservationService) Validate(ctx context.Context, showID uint64, seatIDs []uint64, requesterID string) (model.ValidationVerdict, error) {
	verdict, err := s.validator.Validate(ctx, showID, seatIDs, requesterID)
	if err != nil {
		return model.ValidationVerdict{}, storeErr("validate", err)
	}
	return verdict, nil
}

// Reserve validates req and, when the rules pass, places the hold.  A
// rejected request returns a *ValidationError and touches no seat.
func (s *ReservationService) Reserve(ctx context.Context, req model.ReservationRequest) (model.HoldResult, error) {
	if s.throttle != nil && req.RequesterID != "" {
		d, err := s.throttle.Allow(ctx, req.RequesterID)
		switch {
		case err != nil:
			// fail open
			s.logger.Warn().Err(err).Str("requester_id", req.RequesterID).Msg("hold throttle unavailable")
		case !d.Allowed:
			s.metrics.Hold("throttled")
			return model.HoldResult{}, invalidRequest("too many hold attempts, retry in %s", d.RetryAfter)
		}
	}
	verdict, err := s.Validate(ctx, req.ShowID, req.SeatIDs, req.RequesterID)
	if err != nil {
		s.metrics.Hold("error")
		return model.HoldResult{}, err
	}
	if !verdict.Valid {
		s.metrics.Hold("invalid")
		return model.HoldResult{}, &ValidationError{Verdict: verdict}
	}
	return s.Hold(ctx, req)
}

// acquisition records one successful hold swap so it can be reversed.
type acquisition struct {
	prev    model.SeatLock
	applied model.SeatLock
}

// Hold places an all-or-nothing hold on req.SeatIDs.  Seats the requester
// already holds are refreshed with the new deadline.  When any seat cannot
// be claimed every seat acquired by this call is restored to the state it
// had before, and the blocking seat is reported in Conflicts.  Hold does
// not run the business rules; see Reserve.
func (s *ReservationService) Hold(ctx context.Context, req model.ReservationRequest) (model.HoldResult, error) {
	if req.RequesterID == "" {
		s.metrics.Hold("invalid")
		return model.HoldResult{}, invalidRequest("requester id is required")
	}
	seats, err := canonical(req.SeatIDs)
	if err != nil {
		s.metrics.Hold("invalid")
		return model.HoldResult{}, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.HoldTTL
	}
	token := req.SessionToken
	if token == "" {
		token = uuid.NewString()
	}
	now := s.cfg.Now()
	expiresAt := now.Add(ttl)

	acquired := make([]acquisition, 0, len(seats))
	for _, id := range seats {
		next := model.Held(req.ShowID, id, req.RequesterID, token, now, expiresAt)
		prev, ok, err := s.swap(ctx, "hold", seatlock.Claimable(req.RequesterID), next, now)
		if err != nil {
			s.compensate(ctx, acquired, now)
			s.metrics.Hold("error")
			return model.HoldResult{}, storeErr("hold", err)
		}
		if !ok {
			s.compensate(ctx, acquired, now)
			s.metrics.Hold("conflict")
			s.logger.Debug().Uint64("show_id", req.ShowID).Uint64("seat_id", id).
				Str("requester_id", req.RequesterID).Msg("hold conflict")
			return model.HoldResult{
				Granted:   []uint64{},
				Conflicts: map[uint64]string{id: conflictReason(prev, req.RequesterID)},
			}, nil
		}
		acquired = append(acquired, acquisition{prev: prev, applied: next})
	}

	s.metrics.Hold("granted")
	s.logger.Info().Uint64("show_id", req.ShowID).Uints64("seat_ids", seats).
		Str("requester_id", req.RequesterID).Time("expires_at", expiresAt).Msg("seats held")
	return model.HoldResult{Granted: seats, SessionToken: token, ExpiresAt: expiresAt}, nil
}

// compensate reverses acquisitions in the opposite order they were made.
// A seat that was free or lapsed goes back to Available; a seat the
// requester already held gets its previous hold back.  It runs detached
// from the caller's cancellation.
func (s *ReservationService) compensate(ctx context.Context, acquired []acquisition, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	for i := len(acquired) - 1; i >= 0; i-- {
		a := acquired[i]
		restore := a.prev.Effective(now)
		if restore.Status != model.SeatHeld {
			restore = model.AvailableLock(a.applied.ShowID, a.applied.SeatID)
		}
		cond := seatlock.OwnedBy(a.applied.HolderID, a.applied.SessionToken)
		if _, ok, err := s.swap(ctx, "compensate", cond, restore, now); err != nil || !ok {
			// the seat keeps our hold until its deadline
			s.logger.Warn().Err(err).Uint64("show_id", a.applied.ShowID).Uint64("seat_id", a.applied.SeatID).
				Msg("compensation did not apply")
		}
	}
}

// Release returns the requester's held seats to Available.  Seats not
// held by the requester are reported in Failed and left untouched.  A seat
// that is already free counts as released.
func (s *ReservationService) Release(ctx context.Context, showID uint64, seatIDs []uint64, requesterID string) (model.ReleaseResult, error) {
	res := model.ReleaseResult{Released: []uint64{}, Failed: map[uint64]string{}}
	if requesterID == "" {
		return res, invalidRequest("requester id is required")
	}
	seats, err := canonical(seatIDs)
	if err != nil {
		return res, err
	}
	now := s.cfg.Now()
	for _, id := range seats {
		prev, ok, err := s.swap(ctx, "release", seatlock.OwnedBy(requesterID, ""), model.AvailableLock(showID, id), now)
		if err != nil {
			s.metrics.Release("released", len(res.Released))
			s.metrics.Release("failed", len(res.Failed))
			return res, storeErr("release", err)
		}
		switch {
		case ok:
			res.Released = append(res.Released, id)
		case prev.Effective(now).Status == model.SeatAvailable:
			res.Released = append(res.Released, id)
		case prev.Status == model.SeatHeld && prev.HolderID == requesterID && prev.Pending():
			res.Failed[id] = model.ReasonPending
		case prev.Status == model.SeatBooked:
			res.Failed[id] = model.ReasonBooked
		default:
			res.Failed[id] = model.ReasonNotHeld
		}
	}
	s.metrics.Release("released", len(res.Released))
	s.metrics.Release("failed", len(res.Failed))
	if len(res.Released) > 0 {
		s.logger.Info().Uint64("show_id", showID).Uints64("seat_ids", res.Released).
			Str("requester_id", requesterID).Msg("seats released")
	}
	return res, nil
}

// ReleaseAll releases every seat the requester holds across all shows.
// Seats pinned by an in-flight confirmation are skipped.
func (s *ReservationService) ReleaseAll(ctx context.Context, requesterID string) (model.ReleaseResult, error) {
	res := model.ReleaseResult{Released: []uint64{}, Failed: map[uint64]string{}}
	held, err := s.HeldBy(ctx, requesterID)
	if err != nil {
		return res, err
	}
	byShow := make(map[uint64][]uint64)
	var shows []uint64
	for _, l := range held {
		if l.Pending() {
			continue
		}
		if _, ok := byShow[l.ShowID]; !ok {
			shows = append(shows, l.ShowID)
		}
		byShow[l.ShowID] = append(byShow[l.ShowID], l.SeatID)
	}
	sort.Slice(shows, func(i, j int) bool { return shows[i] < shows[j] })
	for _, show := range shows {
		r, err := s.Release(ctx, show, byShow[show], requesterID)
		res.Released = append(res.Released, r.Released...)
		for id, reason := range r.Failed {
			res.Failed[id] = reason
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Status returns the lock of one seat as observed now.  A lapsed hold is
// reported as Available.
func (s *ReservationService) Status(ctx context.Context, showID, seatID uint64) (model.SeatLock, error) {
	start := time.Now()
	l, err := s.store.Get(ctx, showID, seatID)
	s.metrics.ObserveStore("get", start)
	if err != nil {
		return model.SeatLock{}, storeErr("status", err)
	}
	return l.Effective(s.cfg.Now()), nil
}

// HeldBy lists the seats the requester currently holds, lapsed holds
// excluded, ordered by show then seat.
func (s *ReservationService) HeldBy(ctx context.Context, requesterID string) ([]model.SeatLock, error) {
	if requesterID == "" {
		return nil, invalidRequest("requester id is required")
	}
	start := time.Now()
	locks, err := s.store.HeldBy(ctx, requesterID)
	s.metrics.ObserveStore("held_by", start)
	if err != nil {
		return nil, storeErr("held by", err)
	}
	now := s.cfg.Now()
	out := make([]model.SeatLock, 0, len(locks))
	for _, l := range locks {
		l = l.Effective(now)
		if l.Status == model.SeatHeld && l.HolderID == requesterID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *ReservationService) swap(ctx context.Context, op string, cond seatlock.Condition, next model.SeatLock, now time.Time) (model.SeatLock, bool, error) {
	start := time.Now()
	prev, ok, err := s.store.Swap(ctx, cond, next, now)
	s.metrics.ObserveStore(op, start)
	return prev, ok, err
}

// canonical returns the seat ids sorted ascending.  An empty list, a zero
// id or a duplicate is rejected.
func canonical(seatIDs []uint64) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return nil, invalidRequest("no seats requested")
	}
	out := append([]uint64(nil), seatIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	for i, id := range out {
		if id == 0 {
			return nil, invalidRequest("seat id 0 is not valid")
		}
		if i > 0 && out[i-1] == id {
			return nil, invalidRequest("seat %d requested more than once", id)
		}
	}
	return out, nil
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
