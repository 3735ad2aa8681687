package model

import "time"

// BookingRecord is the durable artifact produced by a confirmation.  It is
// owned by the booking store; the engine only requests its creation.
//
// Fields:
//  BookingID        – identifier assigned by the engine (UUID).
//  ShowID           – show the seats belong to.
//  HolderID         – requester who paid.
//  Seats            – booked seats with the price paid for each.
//  TotalAmountCents – sum of the seat prices.
//  PaymentRef       – external payment reference; unique per booking.
//  ConfirmedAt      – when the booking was committed.
type BookingRecord struct {
	BookingID        string       `json:"booking_id"`
	ShowID           uint64       `json:"show_id"`
	HolderID         string       `json:"holder_id"`
	Seats            []BookedSeat `json:"seats"`
	TotalAmountCents uint32       `json:"total_amount_cents"`
	PaymentRef       string       `json:"payment_ref"`
	ConfirmedAt      time.Time    `json:"confirmed_at"`
}

// BookedSeat links a seat to the price paid for it.
type BookedSeat struct {
	SeatID     uint64 `json:"seat_id"`
	PriceCents uint32 `json:"price_cents"`
}

// SeatIDs returns the booked seat IDs in record order.
func (b *BookingRecord) SeatIDs() []uint64 {
	ids := make([]uint64, 0, len(b.Seats))
	for _, s := range b.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}
