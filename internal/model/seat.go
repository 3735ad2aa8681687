package model

// CatalogSeat describes a seat of a show as known to the seat catalog.
// Section and row define adjacency: two seats are neighbours when they
// share Section and RowLabel and their SeatNumbers differ by one.
//
// Fields:
//  SeatID     – seats.id
//  Section    – seating block the seat belongs to.
//  RowLabel   – letter or string designating the row.
//  SeatNumber – position of the seat within the row (1-based).
//  SeatType   – STANDARD, VIP or ACCESSIBLE.
//  PriceCents – price already assigned to the seat for this show.
type CatalogSeat struct {
	SeatID     uint64
	Section    string
	RowLabel   string
	SeatNumber uint32
	SeatType   string
	PriceCents uint32
}

// SeatTypeAccessible marks seats reserved for patrons with accessibility needs.
const SeatTypeAccessible = "ACCESSIBLE"
