package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// Row states of bookings.status.
const (
	statusConfirmed = "CONFIRMED"
	statusVoid      = "VOID"
)

// BookingRepo persists confirmed bookings in the bookings and
// booking_seats tables.  payment_ref is unique in bookings, which makes
// CreateBooking idempotent; (show_id, seat_id) is unique in booking_seats,
// so a seat can be sold at most once even if the lock store misbehaves.
// A VOID row holds a payment reference whose pins were given up; it has no
// seats and blocks any later booking under that reference.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// CreateBooking stores rec and its seats in one transaction.  When a
// booking with the same payment reference already exists the transaction
// is rolled back and the stored booking is returned instead.  A seat that
// belongs to another booking yields ErrSeatAlreadyBooked; a voided
// reference yields ErrPaymentVoided.
func (r *BookingRepo) CreateBooking(ctx context.Context, rec *model.BookingRecord) (*model.BookingRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin booking tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const qHeader = `INSERT INTO bookings (booking_id, show_id, holder_id, total_amount_cents, payment_ref, confirmed_at, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, qHeader, rec.BookingID, rec.ShowID, rec.HolderID,
		rec.TotalAmountCents, rec.PaymentRef, rec.ConfirmedAt, statusConfirmed); err != nil {
		if isDuplicate(err) {
			_ = tx.Rollback()
			existing, found, ferr := r.FindByPaymentRef(ctx, rec.PaymentRef)
			if ferr != nil {
				return nil, ferr
			}
			if !found {
				return nil, fmt.Errorf("insert booking %s: %w", rec.BookingID, err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert booking %s: %w", rec.BookingID, err)
	}

	const qSeat = `INSERT INTO booking_seats (booking_id, show_id, seat_id, price_cents) VALUES (?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, qSeat)
	if err != nil {
		return nil, fmt.Errorf("prepare booking seat insert: %w", err)
	}
	defer stmt.Close()
	for _, s := range rec.Seats {
		if _, err := stmt.ExecContext(ctx, rec.BookingID, rec.ShowID, s.SeatID, s.PriceCents); err != nil {
			if isDuplicate(err) {
				return nil, fmt.Errorf("seat %d of show %d: %w", s.SeatID, rec.ShowID, ErrSeatAlreadyBooked)
			}
			return nil, fmt.Errorf("insert booking seat %d: %w", s.SeatID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit booking %s: %w", rec.BookingID, err)
	}
	return rec, nil
}

// FindByPaymentRef loads the booking created for paymentRef.  The bool
// reports whether one exists.  A voided reference yields ErrPaymentVoided.
func (r *BookingRepo) FindByPaymentRef(ctx context.Context, paymentRef string) (*model.BookingRecord, bool, error) {
	const q = `SELECT booking_id, show_id, holder_id, total_amount_cents, payment_ref, confirmed_at, status
	FROM bookings WHERE payment_ref = ?`
	var rec model.BookingRecord
	var status string
	err := r.db.QueryRowContext(ctx, q, paymentRef).Scan(&rec.BookingID, &rec.ShowID, &rec.HolderID,
		&rec.TotalAmountCents, &rec.PaymentRef, &rec.ConfirmedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find booking by payment ref: %w", err)
	}
	if status == statusVoid {
		return nil, false, fmt.Errorf("payment ref %s: %w", paymentRef, ErrPaymentVoided)
	}

	const qSeats = `SELECT seat_id, price_cents FROM booking_seats WHERE booking_id = ? ORDER BY seat_id`
	rows, err := r.db.QueryContext(ctx, qSeats, rec.BookingID)
	if err != nil {
		return nil, false, fmt.Errorf("list booking seats: %w", err)
	}
	defer rows.Close()
	rec.Seats = []model.BookedSeat{}
	for rows.Next() {
		var s model.BookedSeat
		if err := rows.Scan(&s.SeatID, &s.PriceCents); err != nil {
			return nil, false, fmt.Errorf("scan booking seat: %w", err)
		}
		rec.Seats = append(rec.Seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list booking seats: %w", err)
	}
	rec.ConfirmedAt = rec.ConfirmedAt.UTC()
	return &rec, true, nil
}

// VoidPaymentRef gives up paymentRef unless a booking already exists for
// it.  The void row takes the unique payment_ref slot, so a booking write
// still in flight either committed first, and is returned here, or fails
// afterwards with ErrPaymentVoided.  Voiding twice is a no-op.  The bool
// reports whether a booking was found.
func (r *BookingRepo) VoidPaymentRef(ctx context.Context, paymentRef string, showID uint64, holderID string, at time.Time) (*model.BookingRecord, bool, error) {
	const q = `INSERT INTO bookings (booking_id, show_id, holder_id, total_amount_cents, payment_ref, confirmed_at, status)
	VALUES (?, ?, ?, 0, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, uuid.NewString(), showID, holderID, paymentRef, at, statusVoid)
	if err == nil {
		return nil, false, nil
	}
	if !isDuplicate(err) {
		return nil, false, fmt.Errorf("void payment ref %s: %w", paymentRef, err)
	}
	rec, found, err := r.FindByPaymentRef(ctx, paymentRef)
	switch {
	case errors.Is(err, ErrPaymentVoided):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	case !found:
		return nil, false, fmt.Errorf("void payment ref %s: conflicting row not found", paymentRef)
	}
	return rec, true, nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
