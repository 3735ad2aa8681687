package rules

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// seatRow is one row of one section with its seats ordered by number.
// Two entries are neighbours only when their numbers are consecutive, so
// gaps in numbering act as aisles.
type seatRow struct {
	section string
	label   string
	index   int // position of the row inside its section
	seats   []model.CatalogSeat
}

// layout groups catalog seats into rows, limited to the given sections.
func layout(seats []model.CatalogSeat, sections map[string]struct{}) []*seatRow {
	rows := make(map[[2]string]*seatRow)
	for _, s := range seats {
		if _, ok := sections[s.Section]; !ok {
			continue
		}
		k := [2]string{s.Section, s.RowLabel}
		r, ok := rows[k]
		if !ok {
			r = &seatRow{section: s.Section, label: s.RowLabel}
			rows[k] = r
		}
		r.seats = append(r.seats, s)
	}
	out := make([]*seatRow, 0, len(rows))
	for _, r := range rows {
		sort.Slice(r.seats, func(i, j int) bool { return r.seats[i].SeatNumber < r.seats[j].SeatNumber })
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].section != out[j].section {
			return out[i].section < out[j].section
		}
		return rowLess(out[i].label, out[j].label)
	})
	idx := 0
	for i, r := range out {
		if i > 0 && out[i-1].section != r.section {
			idx = 0
		}
		r.index = idx
		idx++
	}
	return out
}

// rowLess orders row labels the way they are painted on the floor:
// A..Z before AA.
func rowLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// orphanAt reports whether seat i of r is free while both of its direct
// neighbours are occupied.
func (r *seatRow) orphanAt(i int, occupied func(uint64) bool) bool {
	if i <= 0 || i >= len(r.seats)-1 {
		return false
	}
	s := r.seats[i]
	left, right := r.seats[i-1], r.seats[i+1]
	if left.SeatNumber+1 != s.SeatNumber || s.SeatNumber+1 != right.SeatNumber {
		return false
	}
	return !occupied(s.SeatID) && occupied(left.SeatID) && occupied(right.SeatID)
}

// newOrphan returns the first seat of r that is isolated under after but
// was not isolated under before, or 0.
func (r *seatRow) newOrphan(before, after func(uint64) bool) uint64 {
	for i := range r.seats {
		if r.orphanAt(i, after) && !r.orphanAt(i, before) {
			return r.seats[i].SeatID
		}
	}
	return 0
}

func (v *Validator) checkAdjacency(ctx context.Context, showID uint64, seats []model.CatalogSeat, requested []uint64) (model.ValidationVerdict, error) {
	byID := make(map[uint64]model.CatalogSeat, len(seats))
	for _, s := range seats {
		byID[s.SeatID] = s
	}
	sections := make(map[string]struct{})
	req := make(map[uint64]struct{}, len(requested))
	for _, id := range requested {
		req[id] = struct{}{}
		sections[byID[id].Section] = struct{}{}
	}
	rows := layout(seats, sections)

	var ids []uint64
	for _, r := range rows {
		for _, s := range r.seats {
			ids = append(ids, s.SeatID)
		}
	}
	locks, err := v.locks.GetMany(ctx, showID, ids)
	if err != nil {
		return model.ValidationVerdict{}, fmt.Errorf("rules: read seats of show %d: %w", showID, err)
	}
	now := v.now()
	taken := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		l, ok := locks[id]
		taken[id] = ok && l.Effective(now).Status != model.SeatAvailable
	}
	before := func(id uint64) bool { return taken[id] }
	after := func(id uint64) bool {
		if _, ok := req[id]; ok {
			return true
		}
		return taken[id]
	}

	for _, r := range rows {
		if orphan := r.newOrphan(before, after); orphan != 0 {
			msg := fmt.Sprintf("request would leave seat %d isolated between occupied seats", orphan)
			verdict := invalid(msg)
			verdict.SuggestedAlternatives = v.alternatives(rows, byID, requested, before)
			return verdict, nil
		}
	}
	return model.ValidationVerdict{Valid: true}, nil
}

// alternatives scans the rows of the requested sections for contiguous
// runs of free seats of the requested size that isolate no seat.  Runs
// are ranked by row distance, then seat distance, to the original
// request; sections other than the first requested seat's rank last.
func (v *Validator) alternatives(rows []*seatRow, byID map[uint64]model.CatalogSeat, requested []uint64, taken func(uint64) bool) [][]uint64 {
	limit := v.policy.SuggestedAlternatives
	n := len(requested)
	if limit <= 0 || n == 0 {
		return [][]uint64{}
	}

	sorted := append([]uint64(nil), requested...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	refSection := byID[sorted[0]].Section
	var rowSum float64
	var count int
	minNumber := uint32(math.MaxUint32)
	for _, id := range sorted {
		s := byID[id]
		if s.Section != refSection {
			continue
		}
		for _, r := range rows {
			if r.section == s.Section && r.label == s.RowLabel {
				rowSum += float64(r.index)
				count++
				break
			}
		}
		if s.SeatNumber < minNumber {
			minNumber = s.SeatNumber
		}
	}
	refRow := rowSum / float64(count)
	reqKey := setKey(sorted)

	type candidate struct {
		seats   []uint64
		rowDist float64
		colDist float64
		section string
		row     int
		start   uint32
	}
	var cands []candidate
	for _, r := range rows {
		for start := 0; start+n <= len(r.seats); start++ {
			window := r.seats[start : start+n]
			if !contiguousFree(window, taken) {
				continue
			}
			ids := make([]uint64, 0, n)
			in := make(map[uint64]struct{}, n)
			for _, s := range window {
				ids = append(ids, s.SeatID)
				in[s.SeatID] = struct{}{}
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			if setKey(ids) == reqKey {
				continue
			}
			after := func(id uint64) bool {
				if _, ok := in[id]; ok {
					return true
				}
				return taken(id)
			}
			if r.newOrphan(taken, after) != 0 {
				continue
			}
			c := candidate{
				seats:   ids,
				rowDist: math.Abs(float64(r.index) - refRow),
				colDist: math.Abs(float64(window[0].SeatNumber) - float64(minNumber)),
				section: r.section,
				row:     r.index,
				start:   window[0].SeatNumber,
			}
			if r.section != refSection {
				c.rowDist += float64(len(rows))
			}
			cands = append(cands, c)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.rowDist != b.rowDist {
			return a.rowDist < b.rowDist
		}
		if a.colDist != b.colDist {
			return a.colDist < b.colDist
		}
		if a.section != b.section {
			return a.section < b.section
		}
		if a.row != b.row {
			return a.row < b.row
		}
		return a.start < b.start
	})
	out := make([][]uint64, 0, limit)
	for _, c := range cands {
		if len(out) == limit {
			break
		}
		out = append(out, c.seats)
	}
	return out
}

func contiguousFree(window []model.CatalogSeat, taken func(uint64) bool) bool {
	for i, s := range window {
		if taken(s.SeatID) {
			return false
		}
		if i > 0 && window[i-1].SeatNumber+1 != s.SeatNumber {
			return false
		}
	}
	return true
}

func setKey(sorted []uint64) string {
	return fmt.Sprint(sorted)
}
