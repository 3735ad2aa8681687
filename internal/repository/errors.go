// Package repository implements MySQL persistence for the reservation
// engine: the seat catalog read by the validator and the booking store
// written by confirmations.  Sentinel errors let callers tell business
// conflicts apart from infrastructure failures.
package repository

import "errors"

// ErrSeatAlreadyBooked is returned when a seat of a new booking already
// belongs to another booking of the same show.
var ErrSeatAlreadyBooked = errors.New("seat already booked")

// ErrPaymentVoided is returned when a payment reference was voided by the
// expiry sweeper before a booking was written for it.
var ErrPaymentVoided = errors.New("payment reference voided")
