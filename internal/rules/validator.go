// Package rules implements the Business Rules Validator.  Rules run
// before any lock is attempted and never mutate seat lock state; a
// violation is reported as a ValidationVerdict, not as an error.  Errors
// are returned only when the catalog or the lock store cannot be read.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// SeatCatalog returns the seats of a show with their section, row and
// price.  It is implemented by repository.SeatCatalogRepo.
type SeatCatalog interface {
	SeatsForShow(ctx context.Context, showID uint64) ([]model.CatalogSeat, error)
}

// LockReader is the read-only view of the seat lock store the validator
// needs to evaluate adjacency.  All seats of the affected rows are read in
// one call.
type LockReader interface {
	GetMany(ctx context.Context, showID uint64, seatIDs []uint64) (map[uint64]model.SeatLock, error)
}

// Policy holds the configurable bounds of the validator.
//
// Fields:
//  MaxSeatsPerRequest      – upper bound on seats per request (0 disables).
//  MaxAccessiblePerRequest – upper bound on ACCESSIBLE seats per request (0 disables).
//  AdjacencyEnabled        – reject requests that leave a single free seat isolated.
//  SuggestedAlternatives   – number of alternative seat sets to compute on an
//                            adjacency violation.
type Policy struct {
	MaxSeatsPerRequest      int
	MaxAccessiblePerRequest int
	AdjacencyEnabled        bool
	SuggestedAlternatives   int
}

// Validator evaluates a Policy against a show's catalog and lock state.
type Validator struct {
	policy  Policy
	catalog SeatCatalog
	locks   LockReader
	now     func() time.Time
}

// NewValidator returns a Validator.  A nil now selects time.Now.
func NewValidator(policy Policy, catalog SeatCatalog, locks LockReader, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{policy: policy, catalog: catalog, locks: locks, now: now}
}

// Policy returns the policy the validator enforces.
func (v *Validator) Policy() Policy { return v.policy }

// Validate checks a hold request for showID.  Rules are evaluated in
// order and the first violation wins: empty request, invalid or duplicate
// seat ids, seat count, unknown seats, accessibility cap, adjacency.
// Only the adjacency rule computes alternatives.
func (v *Validator) Validate(ctx context.Context, showID uint64, seatIDs []uint64, requesterID string) (model.ValidationVerdict, error) {
	if len(seatIDs) == 0 {
		return invalid("no seats requested"), nil
	}
	seen := make(map[uint64]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if id == 0 {
			return invalid("seat id 0 is not valid"), nil
		}
		if _, dup := seen[id]; dup {
			return invalid(fmt.Sprintf("seat %d requested more than once", id)), nil
		}
		seen[id] = struct{}{}
	}
	if max := v.policy.MaxSeatsPerRequest; max > 0 && len(seatIDs) > max {
		return invalid(fmt.Sprintf("at most %d seats may be requested at once, got %d", max, len(seatIDs))), nil
	}

	seats, err := v.catalog.SeatsForShow(ctx, showID)
	if err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("rules: load catalog for show %d: %w", showID, err)
	}
	if len(seats) == 0 {
		return invalid(fmt.Sprintf("show %d has no seats", showID)), nil
	}
	byID := make(map[uint64]model.CatalogSeat, len(seats))
	for _, s := range seats {
		byID[s.SeatID] = s
	}
	accessible := 0
	for _, id := range seatIDs {
		s, ok := byID[id]
		if !ok {
			return invalid(fmt.Sprintf("seat %d does not exist for show %d", id, showID)), nil
		}
		if s.SeatType == model.SeatTypeAccessible {
			accessible++
		}
	}
	if max := v.policy.MaxAccessiblePerRequest; max > 0 && accessible > max {
		return invalid(fmt.Sprintf("at most %d accessible seats may be requested at once, got %d", max, accessible)), nil
	}

	if v.policy.AdjacencyEnabled {
		verdict, err := v.checkAdjacency(ctx, showID, seats, seatIDs)
		if err != nil {
			return model.ValidationVerdict{}, err
		}
		if !verdict.Valid {
			return verdict, nil
		}
	}
	return model.ValidationVerdict{Valid: true, SuggestedAlternatives: [][]uint64{}}, nil
}

func invalid(msg string) model.ValidationVerdict {
	return model.ValidationVerdict{Valid: false, Message: msg, SuggestedAlternatives: [][]uint64{}}
}
