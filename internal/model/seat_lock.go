package model

import "time"

// SeatStatus is the lifecycle state of a seat for a single show.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE" // nobody holds or owns the seat
	SeatHeld      SeatStatus = "HELD"      // temporarily claimed by one holder until ExpiresAt
	SeatBooked    SeatStatus = "BOOKED"    // permanently owned after payment confirmation
)

// SeatLock represents the current claim on one seat of one show.  The
// pair (ShowID, SeatID) identifies the lock.  A lock that was never
// written reads as Available.
//
// Fields:
//  ShowID       – show the seat belongs to.
//  SeatID       – seat being claimed.
//  Status       – AVAILABLE, HELD or BOOKED.
//  HolderID     – requester holding the seat (set only while HELD).
//  SessionToken – opaque correlation id of the holding session.
//  AcquiredAt   – when the current hold was granted.
//  ExpiresAt    – when the current hold lapses.
//  PaymentRef   – payment reference of a confirmation in flight (HELD)
//                 or of the booking that owns the seat (BOOKED).
type SeatLock struct {
	ShowID       uint64     `json:"show_id"`
	SeatID       uint64     `json:"seat_id"`
	Status       SeatStatus `json:"status"`
	HolderID     string     `json:"holder_id,omitempty"`
	SessionToken string     `json:"session_token,omitempty"`
	AcquiredAt   time.Time  `json:"acquired_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
	PaymentRef   string     `json:"payment_ref,omitempty"`
}

// AvailableLock returns the implicit lock of a seat nobody has touched.
func AvailableLock(showID, seatID uint64) SeatLock {
	return SeatLock{ShowID: showID, SeatID: seatID, Status: SeatAvailable}
}

// Pending reports whether a confirmation is in flight for this hold.
func (l SeatLock) Pending() bool {
	return l.Status == SeatHeld && l.PaymentRef != ""
}

// Lapsed reports whether the lock is a plain hold whose deadline has
// passed.  Holds pinned by a confirmation never lapse on their own; the
// sweeper reconciles them against the booking store.
func (l SeatLock) Lapsed(now time.Time) bool {
	return l.Status == SeatHeld && l.PaymentRef == "" && !l.ExpiresAt.After(now)
}

// Effective returns the lock as callers must observe it at now: a lapsed
// hold is reported as Available even if the store has not swept it yet.
func (l SeatLock) Effective(now time.Time) SeatLock {
	if l.Lapsed(now) {
		return AvailableLock(l.ShowID, l.SeatID)
	}
	return l
}

// HeldBy reports whether holderID holds the seat and the hold is still
// valid at now.
func (l SeatLock) HeldBy(holderID string, now time.Time) bool {
	return l.Status == SeatHeld && l.HolderID == holderID && l.ExpiresAt.After(now)
}

// Held builds the lock written when holderID is granted the seat.
func Held(showID, seatID uint64, holderID, token string, acquiredAt, expiresAt time.Time) SeatLock {
	return SeatLock{
		ShowID:       showID,
		SeatID:       seatID,
		Status:       SeatHeld,
		HolderID:     holderID,
		SessionToken: token,
		AcquiredAt:   acquiredAt,
		ExpiresAt:    expiresAt,
	}
}

// Booked builds the terminal lock written by a confirmation.  Holder and
// expiry are cleared; only the owning payment reference is kept.
func Booked(showID, seatID uint64, paymentRef string) SeatLock {
	return SeatLock{ShowID: showID, SeatID: seatID, Status: SeatBooked, PaymentRef: paymentRef}
}
