package model

import "time"

// ReservationRequest describes a single hold attempt.  It lives only for
// the duration of one coordinator call and is never persisted.
//
// Fields:
//  ShowID       – show in which seats are requested.
//  SeatIDs      – requested seats; order is not significant.
//  RequesterID  – user or session identifier of the caller.
//  SessionToken – optional correlation id; generated when empty.
//  TTL          – hold duration; the configured default applies when zero.
type ReservationRequest struct {
	ShowID       uint64
	SeatIDs      []uint64
	RequesterID  string
	SessionToken string
	TTL          time.Duration
}

// HoldResult reports the outcome of a hold.  Exactly one of Granted or
// Conflicts is non-empty.  ExpiresAt and SessionToken are set only when
// the hold was granted.
type HoldResult struct {
	Granted      []uint64          `json:"granted"`
	Conflicts    map[uint64]string `json:"conflicts,omitempty"`
	SessionToken string            `json:"session_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
}

// OK reports whether every requested seat was granted.
func (r HoldResult) OK() bool { return len(r.Conflicts) == 0 && len(r.Granted) > 0 }

// ReleaseResult reports which seats were released and which were left
// untouched because another party holds or owns them.
type ReleaseResult struct {
	Released []uint64          `json:"released"`
	Failed   map[uint64]string `json:"failed,omitempty"`
}

// ValidationVerdict is the result of business-rule evaluation.  A failed
// verdict is a normal outcome; callers branch on Valid.
// SuggestedAlternatives holds alternative seat sets ordered by proximity
// to the original request, each set in canonical seat order.
type ValidationVerdict struct {
	Valid                 bool       `json:"valid"`
	Message               string     `json:"message,omitempty"`
	SuggestedAlternatives [][]uint64 `json:"suggested_alternatives"`
}

// Conflict reasons reported per seat.
const (
	ReasonHeldByOther = "held by another requester"
	ReasonBooked      = "already booked"
	ReasonNotHeld     = "not held by requester"
	ReasonHoldExpired = "hold expired"
	ReasonPending     = "confirmation in progress"
)
