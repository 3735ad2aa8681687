// Package queue carries the engine's RabbitMQ traffic: booking.confirmed
// events published after a confirmation commits, and payment.confirmed
// messages consumed to drive confirmations from the payment provider.
package queue

import (
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

const (
	// BookingConfirmedQueue receives one event per committed booking.
	BookingConfirmedQueue = "booking.confirmed"
	// PaymentConfirmedQueue delivers settled payments to confirm.
	PaymentConfirmedQueue = "payment.confirmed"
)

// BookingConfirmedEvent is published when a booking is committed.  It
// carries enough for downstream consumers to notify or bill without
// querying the booking store.
type BookingConfirmedEvent struct {
	BookingID        string   `json:"booking_id"`
	ShowID           uint64   `json:"show_id"`
	HolderID         string   `json:"holder_id"`
	SeatIDs          []uint64 `json:"seat_ids"`
	TotalAmountCents uint32   `json:"total_amount_cents"`
	PaymentRef       string   `json:"payment_ref"`
	ConfirmedAt      string   `json:"confirmed_at"`
}

// NewBookingConfirmedEvent builds the event for rec.
func NewBookingConfirmedEvent(rec *model.BookingRecord) BookingConfirmedEvent {
	return BookingConfirmedEvent{
		BookingID:        rec.BookingID,
		ShowID:           rec.ShowID,
		HolderID:         rec.HolderID,
		SeatIDs:          rec.SeatIDs(),
		TotalAmountCents: rec.TotalAmountCents,
		PaymentRef:       rec.PaymentRef,
		ConfirmedAt:      rec.ConfirmedAt.UTC().Format(time.RFC3339),
	}
}

// PaymentConfirmedEvent is sent by the payment provider once a payment
// for held seats has settled.
type PaymentConfirmedEvent struct {
	ShowID     uint64   `json:"show_id"`
	SeatIDs    []uint64 `json:"seat_ids"`
	HolderID   string   `json:"holder_id"`
	PaymentRef string   `json:"payment_ref"`
}
