package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

var (
	insertBooking = regexp.QuoteMeta("INSERT INTO bookings (booking_id, show_id, holder_id, total_amount_cents, payment_ref, confirmed_at, status)")
	insertSeat    = regexp.QuoteMeta("INSERT INTO booking_seats (booking_id, show_id, seat_id, price_cents)")
	selectBooking = regexp.QuoteMeta("FROM bookings WHERE payment_ref = ?")
	selectSeats   = regexp.QuoteMeta("SELECT seat_id, price_cents FROM booking_seats WHERE booking_id = ?")

	bookingCols = []string{"booking_id", "show_id", "holder_id", "total_amount_cents", "payment_ref", "confirmed_at", "status"}
	confirmedAt = time.Date(2026, 3, 1, 20, 5, 0, 0, time.UTC)
)

func sampleRecord() *model.BookingRecord {
	return &model.BookingRecord{
		BookingID:        "b-1",
		ShowID:           7,
		HolderID:         "alice",
		Seats:            []model.BookedSeat{{SeatID: 11, PriceCents: 1200}, {SeatID: 12, PriceCents: 1200}},
		TotalAmountCents: 2400,
		PaymentRef:       "pay-1",
		ConfirmedAt:      confirmedAt,
	}
}

func newMock(t *testing.T) (*BookingRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBookingRepo(db), mock
}

func TestCreateBooking(t *testing.T) {
	repo, mock := newMock(t)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectExec(insertBooking).
		WithArgs("b-1", uint64(7), "alice", uint32(2400), "pay-1", confirmedAt, "CONFIRMED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(insertSeat)
	prep.ExpectExec().WithArgs("b-1", uint64(7), uint64(11), uint32(1200)).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("b-1", uint64(7), uint64(12), uint32(1200)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := repo.CreateBooking(context.Background(), rec)
	require.NoError(t, err)
	assert.Same(t, rec, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBooking_DuplicatePaymentRefReturnsExisting(t *testing.T) {
	repo, mock := newMock(t)
	rec := sampleRecord()
	rec.BookingID = "b-2"

	mock.ExpectBegin()
	mock.ExpectExec(insertBooking).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'pay-1'"})
	mock.ExpectRollback()
	mock.ExpectQuery(selectBooking).WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(bookingCols).AddRow("b-1", 7, "alice", 2400, "pay-1", confirmedAt, "CONFIRMED"))
	mock.ExpectQuery(selectSeats).WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"seat_id", "price_cents"}).AddRow(11, 1200).AddRow(12, 1200))

	got, err := repo.CreateBooking(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "b-1", got.BookingID)
	assert.Equal(t, []uint64{11, 12}, got.SeatIDs())
	assert.Equal(t, uint32(2400), got.TotalAmountCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBooking_SeatAlreadyBooked(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertBooking).WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(insertSeat)
	prep.ExpectExec().WithArgs("b-1", uint64(7), uint64(11), uint32(1200)).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7-11'"})
	mock.ExpectRollback()

	_, err := repo.CreateBooking(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeatAlreadyBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBooking_InsertFailure(t *testing.T) {
	repo, mock := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(insertBooking).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := repo.CreateBooking(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrSeatAlreadyBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByPaymentRef_NotFound(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(selectBooking).WithArgs("missing").WillReturnRows(sqlmock.NewRows(bookingCols))

	rec, found, err := repo.FindByPaymentRef(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByPaymentRef_QueryError(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(selectBooking).WithArgs("pay-1").WillReturnError(errors.New("too many connections"))

	_, found, err := repo.FindByPaymentRef(context.Background(), "pay-1")
	require.Error(t, err)
	assert.False(t, found)
	assert.Contains(t, err.Error(), "find booking by payment ref")
}

func TestCreateBooking_VoidedPaymentRef(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertBooking).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'pay-1'"})
	mock.ExpectRollback()
	mock.ExpectQuery(selectBooking).WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows(bookingCols).AddRow("v-1", 7, "alice", 0, "pay-1", confirmedAt, "VOID"))

	_, err := repo.CreateBooking(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentVoided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoidPaymentRef(t *testing.T) {
	t.Run("no booking yet", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectExec(insertBooking).
			WithArgs(sqlmock.AnyArg(), uint64(7), "alice", "pay-1", confirmedAt, "VOID").
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec, found, err := repo.VoidPaymentRef(context.Background(), "pay-1", 7, "alice", confirmedAt)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, rec)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("booking committed first", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectExec(insertBooking).WillReturnError(&mysql.MySQLError{Number: 1062})
		mock.ExpectQuery(selectBooking).WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows(bookingCols).AddRow("b-1", 7, "alice", 2400, "pay-1", confirmedAt, "CONFIRMED"))
		mock.ExpectQuery(selectSeats).WithArgs("b-1").
			WillReturnRows(sqlmock.NewRows([]string{"seat_id", "price_cents"}).AddRow(11, 1200).AddRow(12, 1200))

		rec, found, err := repo.VoidPaymentRef(context.Background(), "pay-1", 7, "alice", confirmedAt)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []uint64{11, 12}, rec.SeatIDs())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already voided", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectExec(insertBooking).WillReturnError(&mysql.MySQLError{Number: 1062})
		mock.ExpectQuery(selectBooking).WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows(bookingCols).AddRow("v-1", 7, "alice", 0, "pay-1", confirmedAt, "VOID"))

		_, found, err := repo.VoidPaymentRef(context.Background(), "pay-1", 7, "alice", confirmedAt)
		require.NoError(t, err)
		assert.False(t, found)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectExec(insertBooking).WillReturnError(errors.New("lock wait timeout"))

		_, _, err := repo.VoidPaymentRef(context.Background(), "pay-1", 7, "alice", confirmedAt)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "void payment ref pay-1")
	})
}
