// Package seatlock implements the Seat Lock Store: the single shared,
// mutable record of who holds or owns every (show, seat) pair.  All
// mutations go through Swap, an atomic conditional transition evaluated
// against the stored record of exactly one seat.  Callers never read a
// lock and then write it in a separate step.
//
// Two backends are provided: MemoryStore, a sharded in-process table that
// relies on a sweeper for expiry, and RedisStore, which evaluates the same
// conditions in a Lua script and lets Redis expire held keys natively.
package seatlock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// Key identifies one seat of one show.
type Key struct {
	ShowID uint64
	SeatID uint64
}

// String renders the key as "show:seat".  The same form is used as the
// member name in the Redis indexes.
func (k Key) String() string {
	return strconv.FormatUint(k.ShowID, 10) + ":" + strconv.FormatUint(k.SeatID, 10)
}

// ParseKey parses the "show:seat" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	showStr, seatStr, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("seatlock: malformed key %q", s)
	}
	show, err := strconv.ParseUint(showStr, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("seatlock: malformed show id in %q: %w", s, err)
	}
	seat, err := strconv.ParseUint(seatStr, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("seatlock: malformed seat id in %q: %w", s, err)
	}
	return Key{ShowID: show, SeatID: seat}, nil
}

// ConditionKind selects the precondition a Swap must satisfy.
type ConditionKind string

const (
	// CondClaimable matches an Available seat, a lapsed plain hold, or a
	// plain hold by the same holder (idempotent re-hold).
	CondClaimable ConditionKind = "claimable"
	// CondHeldBy matches an unexpired plain hold by the holder.
	CondHeldBy ConditionKind = "held"
	// CondOwnedBy matches a plain hold by the holder regardless of expiry.
	CondOwnedBy ConditionKind = "owned"
	// CondPinned matches a hold by the holder pinned by a confirmation
	// with the given payment reference.
	CondPinned ConditionKind = "pinned"
	// CondLapsed matches a plain hold whose deadline has passed.
	CondLapsed ConditionKind = "lapsed"
)

// Condition is the precondition of a Swap.  SessionToken is optional for
// CondHeldBy and CondOwnedBy; when set it must match the stored token.
type Condition struct {
	Kind         ConditionKind
	HolderID     string
	SessionToken string
	PaymentRef   string
}

// Claimable builds a CondClaimable condition for holderID.
func Claimable(holderID string) Condition {
	return Condition{Kind: CondClaimable, HolderID: holderID}
}

// HeldBy builds a CondHeldBy condition.
func HeldBy(holderID, token string) Condition {
	return Condition{Kind: CondHeldBy, HolderID: holderID, SessionToken: token}
}

// OwnedBy builds a CondOwnedBy condition.
func OwnedBy(holderID, token string) Condition {
	return Condition{Kind: CondOwnedBy, HolderID: holderID, SessionToken: token}
}

// Pinned builds a CondPinned condition.
func Pinned(holderID, paymentRef string) Condition {
	return Condition{Kind: CondPinned, HolderID: holderID, PaymentRef: paymentRef}
}

// Lapsed builds a CondLapsed condition.
func Lapsed() Condition {
	return Condition{Kind: CondLapsed}
}

// Match evaluates the condition against cur at now.  RedisStore carries a
// Lua rendition of the same rules; the two must stay in step.
func (c Condition) Match(cur model.SeatLock, now time.Time) bool {
	held := cur.Status == model.SeatHeld
	plain := held && cur.PaymentRef == ""
	tokenOK := c.SessionToken == "" || c.SessionToken == cur.SessionToken
	switch c.Kind {
	case CondClaimable:
		return cur.Status == model.SeatAvailable || (plain && (cur.Lapsed(now) || cur.HolderID == c.HolderID))
	case CondHeldBy:
		return plain && cur.HolderID == c.HolderID && cur.ExpiresAt.After(now) && tokenOK
	case CondOwnedBy:
		return plain && cur.HolderID == c.HolderID && tokenOK
	case CondPinned:
		return held && cur.HolderID == c.HolderID && cur.PaymentRef == c.PaymentRef
	case CondLapsed:
		return cur.Lapsed(now)
	}
	return false
}

// Store is the Seat Lock Store contract consumed by the engine.
//
// Get returns the stored record without applying expiry; callers decide
// how to present a lapsed hold (see model.SeatLock.Effective).  A seat
// that was never written reads as Available.
//
// Swap atomically writes next if cond matches the stored record of
// next.ShowID/next.SeatID at now.  It returns the record as it was before
// the call and whether the write happened.  Two concurrent Swaps on the
// same key are linearizable.
//
// GetMany is Get for several seats of one show in one round trip.  The
// result has an entry for every requested seat.
//
// HeldBy lists the held records of holderID, including lapsed ones.
//
// Expiring lists up to limit keys of held seats whose deadline is at or
// before the given instant.  It is an index, not a guarantee: callers
// re-check through Swap.
type Store interface {
	Get(ctx context.Context, showID, seatID uint64) (model.SeatLock, error)
	GetMany(ctx context.Context, showID uint64, seatIDs []uint64) (map[uint64]model.SeatLock, error)
	Swap(ctx context.Context, cond Condition, next model.SeatLock, now time.Time) (model.SeatLock, bool, error)
	HeldBy(ctx context.Context, holderID string) ([]model.SeatLock, error)
	Expiring(ctx context.Context, before time.Time, limit int) ([]Key, error)
}
