package seatlock

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

const memoryShards = 64

// shard owns a slice of the key space.  Its mutex is held only for the
// duration of a single Get or Swap, so unrelated seats never wait on each
// other unless they hash to the same shard.
type shard struct {
	mu      sync.Mutex
	locks   map[Key]model.SeatLock
	holders map[string]map[Key]struct{} // holder -> keys held within this shard
}

// MemoryStore is an in-process Store.  It has no native expiry: lapsed
// holds stay in the table until the sweeper swaps them back to Available,
// and readers normalize them with SeatLock.Effective in the meantime.
type MemoryStore struct {
	shards [memoryShards]*shard
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{
			locks:   make(map[Key]model.SeatLock),
			holders: make(map[string]map[Key]struct{}),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(k Key) *shard {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], k.ShowID)
	binary.BigEndian.PutUint64(b[8:16], k.SeatID)
	return s.shards[xxhash.Sum64(b[:])%memoryShards]
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, showID, seatID uint64) (model.SeatLock, error) {
	if err := ctx.Err(); err != nil {
		return model.SeatLock{}, err
	}
	k := Key{ShowID: showID, SeatID: seatID}
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.get(k), nil
}

// GetMany implements Store.
func (s *MemoryStore) GetMany(ctx context.Context, showID uint64, seatIDs []uint64) (map[uint64]model.SeatLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[uint64]model.SeatLock, len(seatIDs))
	for _, id := range seatIDs {
		k := Key{ShowID: showID, SeatID: id}
		sh := s.shardFor(k)
		sh.mu.Lock()
		out[id] = sh.get(k)
		sh.mu.Unlock()
	}
	return out, nil
}

func (sh *shard) get(k Key) model.SeatLock {
	if l, ok := sh.locks[k]; ok {
		return l
	}
	return model.AvailableLock(k.ShowID, k.SeatID)
}

// Swap implements Store.
func (s *MemoryStore) Swap(ctx context.Context, cond Condition, next model.SeatLock, now time.Time) (model.SeatLock, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.SeatLock{}, false, err
	}
	k := Key{ShowID: next.ShowID, SeatID: next.SeatID}
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.get(k)
	if !cond.Match(cur, now) {
		return cur, false, nil
	}
	if cur.Status == model.SeatHeld && cur.HolderID != "" {
		sh.unindex(cur.HolderID, k)
	}
	next = normalize(next)
	switch next.Status {
	case model.SeatAvailable:
		delete(sh.locks, k)
	case model.SeatHeld:
		sh.locks[k] = next
		sh.index(next.HolderID, k)
	default:
		sh.locks[k] = next
	}
	return cur, true, nil
}

func (sh *shard) index(holder string, k Key) {
	keys, ok := sh.holders[holder]
	if !ok {
		keys = make(map[Key]struct{})
		sh.holders[holder] = keys
	}
	keys[k] = struct{}{}
}

func (sh *shard) unindex(holder string, k Key) {
	keys, ok := sh.holders[holder]
	if !ok {
		return
	}
	delete(keys, k)
	if len(keys) == 0 {
		delete(sh.holders, holder)
	}
}

// HeldBy implements Store.  Results are ordered by show then seat.
func (s *MemoryStore) HeldBy(ctx context.Context, holderID string) ([]model.SeatLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.SeatLock
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.holders[holderID] {
			out = append(out, sh.locks[k])
		}
		sh.mu.Unlock()
	}
	sortLocks(out)
	return out, nil
}

// Expiring implements Store.  Keys are ordered by deadline.
func (s *MemoryStore) Expiring(ctx context.Context, before time.Time, limit int) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var due []model.SeatLock
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, l := range sh.locks {
			if l.Status == model.SeatHeld && !l.ExpiresAt.After(before) {
				due = append(due, l)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	keys := make([]Key, 0, len(due))
	for _, l := range due {
		keys = append(keys, Key{ShowID: l.ShowID, SeatID: l.SeatID})
	}
	return keys, nil
}

// normalize clears the fields that do not apply to the lock's status.
func normalize(l model.SeatLock) model.SeatLock {
	switch l.Status {
	case model.SeatHeld:
		return l
	case model.SeatBooked:
		return model.Booked(l.ShowID, l.SeatID, l.PaymentRef)
	default:
		return model.AvailableLock(l.ShowID, l.SeatID)
	}
}

func sortLocks(locks []model.SeatLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].ShowID != locks[j].ShowID {
			return locks[i].ShowID < locks[j].ShowID
		}
		return locks[i].SeatID < locks[j].SeatID
	})
}
