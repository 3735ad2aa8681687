package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
	"github.com/iliyamo/seat-reservation-engine/internal/seatlock"
)

// ConfirmRequest asks for the held seats of a requester to be booked
// against a settled payment.
type ConfirmRequest struct {
	ShowID      uint64   `json:"show_id"`
	SeatIDs     []uint64 `json:"seat_ids"`
	RequesterID string   `json:"holder_id"`
	PaymentRef  string   `json:"payment_ref"`
}

// Confirm turns the requester's holds into a booking.
//
// The seats are first pinned: each hold is atomically marked with the
// payment reference and stops lapsing on its own.  Only when every seat is
// pinned is the booking written; the pins then become Booked.  A failure
// before the booking is stored unpins every seat, so either all seats end
// up booked or none do.  A seat left pinned past its deadline is
// reconciled by the sweeper, which voids the payment reference first; a
// booking write that loses that race fails with ErrExpiredPrecondition.
//
// Confirm is idempotent on PaymentRef: a reference that already produced
// a booking returns that booking.  Concurrent calls with the same
// reference share one execution.
func (s *ReservationService) Confirm(ctx context.Context, req ConfirmRequest) (*model.BookingRecord, error) {
	if req.PaymentRef == "" {
		s.metrics.Confirmation("invalid")
		return nil, invalidRequest("payment reference is required")
	}
	if req.RequesterID == "" {
		s.metrics.Confirmation("invalid")
		return nil, invalidRequest("requester id is required")
	}
	v, err, _ := s.confirms.Do(req.PaymentRef, func() (interface{}, error) {
		return s.confirm(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.BookingRecord), nil
}

func (s *ReservationService) confirm(ctx context.Context, req ConfirmRequest) (*model.BookingRecord, error) {
	log := s.logger.With().Uint64("show_id", req.ShowID).Str("payment_ref", req.PaymentRef).
		Str("requester_id", req.RequesterID).Logger()

	seats, err := canonical(req.SeatIDs)
	if err != nil {
		s.metrics.Confirmation("invalid")
		return nil, err
	}

	existing, found, err := s.bookings.FindByPaymentRef(ctx, req.PaymentRef)
	if errors.Is(err, repository.ErrPaymentVoided) {
		s.metrics.Confirmation("expired")
		return nil, voided(req.PaymentRef)
	}
	if err != nil {
		s.metrics.Confirmation("error")
		return nil, storeErr("confirm", err)
	}
	if found {
		if existing.ShowID != req.ShowID || existing.HolderID != req.RequesterID {
			s.metrics.Confirmation("conflict")
			return nil, fmt.Errorf("%w: payment reference %s already settles booking %s",
				ErrConflict, req.PaymentRef, existing.BookingID)
		}
		if err := s.finalize(ctx, existing); err != nil {
			s.metrics.Confirmation("error")
			return nil, err
		}
		s.metrics.Confirmation("duplicate")
		log.Info().Str("booking_id", existing.BookingID).Msg("duplicate confirmation")
		return existing, nil
	}

	now := s.cfg.Now()
	pinned, err := s.pin(ctx, req, seats, now)
	if err != nil {
		switch {
		case IsRetryable(err):
			s.metrics.Confirmation("error")
		case errors.Is(err, ErrExpiredPrecondition):
			s.metrics.Confirmation("expired")
		default:
			s.metrics.Confirmation("conflict")
		}
		log.Info().Err(err).Msg("confirmation rejected")
		return nil, err
	}

	rec, err := s.buildRecord(ctx, req, seats, now)
	if err == nil {
		rec, err = s.bookings.CreateBooking(ctx, rec)
	}
	if err != nil {
		s.unpin(ctx, req, pinned, now)
		switch {
		case errors.Is(err, ErrValidationFailed):
			s.metrics.Confirmation("invalid")
			return nil, err
		case errors.Is(err, repository.ErrPaymentVoided):
			s.metrics.Confirmation("expired")
			log.Warn().Msg("pins reclaimed before the booking was written")
			return nil, voided(req.PaymentRef)
		case errors.Is(err, repository.ErrSeatAlreadyBooked):
			s.metrics.Confirmation("conflict")
			log.Error().Err(err).Msg("booking store already sold a pinned seat")
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		s.metrics.Confirmation("error")
		log.Error().Err(err).Msg("booking not stored")
		return nil, storeErr("confirm", err)
	}

	if err := s.finalize(ctx, rec); err != nil {
		s.metrics.Confirmation("error")
		log.Error().Err(err).Str("booking_id", rec.BookingID).Msg("booking stored but seats not finalized")
		return nil, err
	}
	s.metrics.Confirmation("booked")
	log.Info().Str("booking_id", rec.BookingID).Uints64("seat_ids", seats).Msg("booking confirmed")

	if s.publisher != nil {
		if err := s.publisher.PublishBookingConfirmed(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn().Err(err).Str("booking_id", rec.BookingID).Msg("publish booking.confirmed failed")
		}
	}
	return rec, nil
}

// pin marks every seat with the payment reference.  On the first seat
// that cannot be pinned the seats pinned so far are restored and the
// returned error explains the failing seat.
func (s *ReservationService) pin(ctx context.Context, req ConfirmRequest, seats []uint64, now time.Time) ([]model.SeatLock, error) {
	deadline := now.Add(s.cfg.PinGrace)
	pinned := make([]model.SeatLock, 0, len(seats))
	for _, id := range seats {
		next := model.Held(req.ShowID, id, req.RequesterID, "", now, deadline)
		next.PaymentRef = req.PaymentRef
		prev, ok, err := s.swap(ctx, "pin", seatlock.HeldBy(req.RequesterID, ""), next, now)
		if err != nil {
			s.unpin(ctx, req, pinned, now)
			return nil, storeErr("confirm", err)
		}
		if !ok && prev.Pending() && prev.HolderID == req.RequesterID && prev.PaymentRef == req.PaymentRef {
			// left pinned by an interrupted attempt; the sweeper owns its undo
			pinned = append(pinned, prev)
			continue
		}
		if !ok {
			s.unpin(ctx, req, pinned, now)
			expired := prev.Status == model.SeatHeld && prev.HolderID == req.RequesterID && prev.Lapsed(now)
			reason := conflictReason(prev, req.RequesterID)
			if prev.Status == model.SeatAvailable {
				// nothing left of the hold; a lapsed hold may already be swept
				reason = model.ReasonHoldExpired
				expired = true
			}
			return nil, &ConflictError{Op: "confirm", Seats: map[uint64]string{id: reason}, Expired: expired}
		}
		pinned = append(pinned, prev)
	}
	return pinned, nil
}

// unpin puts back the holds that pin replaced, newest first.
func (s *ReservationService) unpin(ctx context.Context, req ConfirmRequest, pinned []model.SeatLock, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	cond := seatlock.Pinned(req.RequesterID, req.PaymentRef)
	for i := len(pinned) - 1; i >= 0; i-- {
		prev := pinned[i]
		if _, ok, err := s.swap(ctx, "unpin", cond, prev, now); err != nil || !ok {
			s.logger.Warn().Err(err).Uint64("show_id", prev.ShowID).Uint64("seat_id", prev.SeatID).
				Str("payment_ref", req.PaymentRef).Msg("unpin did not apply")
		}
	}
}

func voided(paymentRef string) error {
	return fmt.Errorf("%w: payment reference %s was voided after its pins lapsed", ErrExpiredPrecondition, paymentRef)
}

// buildRecord prices the seats from the catalog.  A total that does not
// fit the booking amount is rejected.
func (s *ReservationService) buildRecord(ctx context.Context, req ConfirmRequest, seats []uint64, now time.Time) (*model.BookingRecord, error) {
	catalog, err := s.catalog.SeatsForShow(ctx, req.ShowID)
	if err != nil {
		return nil, fmt.Errorf("load catalog for show %d: %w", req.ShowID, err)
	}
	prices := make(map[uint64]uint32, len(catalog))
	for _, c := range catalog {
		prices[c.SeatID] = c.PriceCents
	}
	rec := &model.BookingRecord{
		BookingID:   uuid.NewString(),
		ShowID:      req.ShowID,
		HolderID:    req.RequesterID,
		Seats:       make([]model.BookedSeat, 0, len(seats)),
		PaymentRef:  req.PaymentRef,
		ConfirmedAt: now.UTC(),
	}
	var total uint64
	for _, id := range seats {
		price, ok := prices[id]
		if !ok {
			return nil, fmt.Errorf("seat %d missing from catalog of show %d", id, req.ShowID)
		}
		rec.Seats = append(rec.Seats, model.BookedSeat{SeatID: id, PriceCents: price})
		total += uint64(price)
	}
	if total > math.MaxUint32 {
		return nil, invalidRequest("total price %d cents of %d seats exceeds the booking limit", total, len(seats))
	}
	rec.TotalAmountCents = uint32(total)
	return rec, nil
}

// finalize moves every seat of a stored booking to Booked.  Seats already
// booked under the same reference are left alone, which makes finalize
// safe to repeat.  A seat that lost its pin but is free is booked
// directly since the booking is already durable.
func (s *ReservationService) finalize(ctx context.Context, rec *model.BookingRecord) error {
	ctx = context.WithoutCancel(ctx)
	now := s.cfg.Now()
	conflicts := map[uint64]string{}
	for _, id := range rec.SeatIDs() {
		next := model.Booked(rec.ShowID, id, rec.PaymentRef)
		prev, ok, err := s.swap(ctx, "book", seatlock.Pinned(rec.HolderID, rec.PaymentRef), next, now)
		if err != nil {
			return storeErr("finalize", err)
		}
		if ok || (prev.Status == model.SeatBooked && prev.PaymentRef == rec.PaymentRef) {
			continue
		}
		if prev.Effective(now).Status == model.SeatAvailable || (prev.Status == model.SeatHeld && !prev.Pending() && prev.HolderID == rec.HolderID) {
			prev, ok, err = s.swap(ctx, "book", seatlock.Claimable(rec.HolderID), next, now)
			if err != nil {
				return storeErr("finalize", err)
			}
			if ok {
				continue
			}
		}
		conflicts[id] = conflictReason(prev, rec.HolderID)
	}
	if len(conflicts) > 0 {
		s.logger.Error().Str("booking_id", rec.BookingID).Str("payment_ref", rec.PaymentRef).
			Interface("seats", conflicts).Msg("booked seats owned by another party")
		return &ConflictError{Op: "finalize", Seats: conflicts}
	}
	return nil
}
