package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// SeatCatalogRepo reads the seat map of a show: the hall's active seats
// joined with the per-show price in show_seats.
type SeatCatalogRepo struct {
	db *sql.DB
}

// NewSeatCatalogRepo returns a SeatCatalogRepo bound to the given database.
func NewSeatCatalogRepo(db *sql.DB) *SeatCatalogRepo { return &SeatCatalogRepo{db: db} }

// SeatsForShow lists every seat offered for showID ordered by section,
// row and number.  An unknown show yields an empty slice.
func (r *SeatCatalogRepo) SeatsForShow(ctx context.Context, showID uint64) ([]model.CatalogSeat, error) {
	const q = `SELECT s.id, s.section, s.row_label, s.seat_number, s.seat_type, ss.price_cents
	FROM show_seats ss
	JOIN seats s ON s.id = ss.seat_id
	WHERE ss.show_id = ? AND s.is_active = 1
	ORDER BY s.section, s.row_label, s.seat_number`
	rows, err := r.db.QueryContext(ctx, q, showID)
	if err != nil {
		return nil, fmt.Errorf("list seats of show %d: %w", showID, err)
	}
	defer rows.Close()

	seats := []model.CatalogSeat{}
	for rows.Next() {
		var s model.CatalogSeat
		if err := rows.Scan(&s.SeatID, &s.Section, &s.RowLabel, &s.SeatNumber, &s.SeatType, &s.PriceCents); err != nil {
			return nil, fmt.Errorf("scan seat of show %d: %w", showID, err)
		}
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list seats of show %d: %w", showID, err)
	}
	return seats, nil
}
