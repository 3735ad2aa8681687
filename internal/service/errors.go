package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// Sentinel errors returned by the reservation service.  Callers branch on
// them with errors.Is; the concrete error may carry more detail (see
// ValidationError and ConflictError).
var (
	// ErrValidationFailed is returned when a request breaks a business
	// rule or is malformed.  No lock state was touched.
	ErrValidationFailed = errors.New("validation failed")

	// ErrConflict is returned when a seat is held or booked by someone
	// else, or a payment reference belongs to a different booking.
	ErrConflict = errors.New("seat conflict")

	// ErrExpiredPrecondition is returned by Confirm when the caller's
	// hold lapsed before the confirmation could pin it.
	ErrExpiredPrecondition = errors.New("hold expired")

	// ErrStoreUnavailable wraps failures of the lock store, the seat
	// catalog or the booking store.  The operation may be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError carries the verdict of a rejected request.
type ValidationError struct {
	Verdict model.ValidationVerdict
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Verdict.Message
}

// Is makes errors.Is(err, ErrValidationFailed) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

func invalidRequest(format string, args ...interface{}) error {
	return &ValidationError{Verdict: model.ValidationVerdict{
		Message:               fmt.Sprintf(format, args...),
		SuggestedAlternatives: [][]uint64{},
	}}
}

// ConflictError lists the seats that blocked an operation with a reason
// for each.  When Expired is set the caller's own hold lapsed and the
// error matches ErrExpiredPrecondition instead of ErrConflict.
type ConflictError struct {
	Op      string
	Seats   map[uint64]string
	Expired bool
}

func (e *ConflictError) Error() string {
	ids := make([]uint64, 0, len(e.Seats))
	for id := range e.Seats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("seat %d: %s", id, e.Seats[id]))
	}
	kind := "conflict"
	if e.Expired {
		kind = "hold expired"
	}
	return fmt.Sprintf("%s %s: %s", e.Op, kind, strings.Join(parts, ", "))
}

// Is maps the error onto ErrConflict or ErrExpiredPrecondition.
func (e *ConflictError) Is(target error) bool {
	if e.Expired {
		return target == ErrExpiredPrecondition
	}
	return target == ErrConflict
}

// unavailable wraps a backend failure so it matches ErrStoreUnavailable
// while keeping the cause reachable with errors.Unwrap chains.
type unavailable struct {
	op  string
	err error
}

func (e *unavailable) Error() string { return e.op + ": " + ErrStoreUnavailable.Error() + ": " + e.err.Error() }

func (e *unavailable) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *unavailable) Unwrap() error { return e.err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var u *unavailable
	if errors.As(err, &u) {
		return err
	}
	return &unavailable{op: op, err: err}
}

// conflictReason describes why the stored lock prev blocks requesterID.
func conflictReason(prev model.SeatLock, requesterID string) string {
	switch {
	case prev.Status == model.SeatBooked:
		return model.ReasonBooked
	case prev.Pending():
		return model.ReasonPending
	case prev.Status == model.SeatHeld && prev.HolderID != requesterID:
		return model.ReasonHeldByOther
	case prev.Status == model.SeatHeld:
		return model.ReasonHoldExpired
	default:
		return model.ReasonNotHeld
	}
}
