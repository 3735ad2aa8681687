package seatlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type backend struct {
	name  string
	store Store
	mr    *miniredis.Miniredis
}

func backends(t *testing.T) []backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return []backend{
		{name: "memory", store: NewMemoryStore()},
		{name: "redis", store: NewRedisStore(rdb, "test"), mr: mr},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends(t) {
		b := b
		t.Run(b.name, func(t *testing.T) { fn(t, b.store) })
	}
}

func hold(show, seat uint64, holder string, ttl time.Duration) model.SeatLock {
	return model.Held(show, seat, holder, "tok-"+holder, t0, t0.Add(ttl))
}

func TestStore_UnknownSeatIsAvailable(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		l, err := s.Get(context.Background(), 1, 42)
		require.NoError(t, err)
		assert.Equal(t, model.AvailableLock(1, 42), l)
	})
}

func TestStore_ClaimAndConflict(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		prev, ok, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.SeatAvailable, prev.Status)

		prev, ok, err = s.Swap(ctx, Claimable("bob"), hold(1, 1, "bob", time.Minute), t0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "alice", prev.HolderID)

		got, err := s.Get(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, model.SeatHeld, got.Status)
		assert.Equal(t, "alice", got.HolderID)
		assert.Equal(t, "tok-alice", got.SessionToken)
		assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Minute)))
		assert.True(t, got.AcquiredAt.Equal(t0))
	})
}

func TestStore_ReHoldBySameHolder(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
		require.NoError(t, err)
		require.True(t, ok)

		renewed := model.Held(1, 1, "alice", "tok-2", t0, t0.Add(5*time.Minute))
		prev, ok, err := s.Swap(ctx, Claimable("alice"), renewed, t0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "tok-alice", prev.SessionToken)
	})
}

func TestStore_LapsedHoldIsClaimable(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
		require.NoError(t, err)
		require.True(t, ok)

		later := t0.Add(2 * time.Minute)
		next := model.Held(1, 1, "bob", "tok-bob", later, later.Add(time.Minute))
		_, ok, err = s.Swap(ctx, Claimable("bob"), next, later)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_HeldByRequiresUnexpiredAndToken(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
		require.NoError(t, err)

		assert.True(t, HeldBy("alice", "").Match(mustGet(t, s, 1, 1), t0))
		assert.False(t, HeldBy("alice", "other").Match(mustGet(t, s, 1, 1), t0))
		assert.False(t, HeldBy("alice", "").Match(mustGet(t, s, 1, 1), t0.Add(time.Minute)))
		assert.True(t, OwnedBy("alice", "").Match(mustGet(t, s, 1, 1), t0.Add(time.Minute)))
		assert.False(t, OwnedBy("bob", "").Match(mustGet(t, s, 1, 1), t0))
	})
}

func TestStore_PinBookAndRelease(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
		require.NoError(t, err)

		pin := hold(1, 1, "alice", 30*time.Second)
		pin.PaymentRef = "pay-1"
		_, ok, err := s.Swap(ctx, HeldBy("alice", ""), pin, t0)
		require.NoError(t, err)
		require.True(t, ok)

		// a pinned seat is neither claimable nor releasable
		for _, cond := range []Condition{Claimable("alice"), OwnedBy("alice", ""), Lapsed()} {
			_, ok, err = s.Swap(ctx, cond, model.AvailableLock(1, 1), t0.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok, cond.Kind)
		}

		_, ok, err = s.Swap(ctx, Pinned("alice", "pay-2"), model.Booked(1, 1, "pay-2"), t0)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Swap(ctx, Pinned("alice", "pay-1"), model.Booked(1, 1, "pay-1"), t0)
		require.NoError(t, err)
		require.True(t, ok)

		got := mustGet(t, s, 1, 1)
		assert.Equal(t, model.Booked(1, 1, "pay-1"), got)

		_, ok, err = s.Swap(ctx, Claimable("bob"), hold(1, 1, "bob", time.Minute), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "booked seats are terminal")
	})
}

func TestStore_HeldByIndex(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, seat := range []uint64{3, 1, 2} {
			_, _, err := s.Swap(ctx, Claimable("alice"), hold(7, seat, "alice", time.Minute), t0)
			require.NoError(t, err)
		}
		_, _, err := s.Swap(ctx, Claimable("bob"), hold(7, 9, "bob", time.Minute), t0)
		require.NoError(t, err)
		_, _, err = s.Swap(ctx, OwnedBy("alice", ""), model.AvailableLock(7, 2), t0)
		require.NoError(t, err)

		locks, err := s.HeldBy(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, locks, 2)
		assert.Equal(t, uint64(1), locks[0].SeatID)
		assert.Equal(t, uint64(3), locks[1].SeatID)

		none, err := s.HeldBy(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_ExpiringIndex(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.Swap(ctx, Claimable("a"), hold(1, 1, "a", 1*time.Minute), t0)
		require.NoError(t, err)
		_, _, err = s.Swap(ctx, Claimable("b"), hold(1, 2, "b", 3*time.Minute), t0)
		require.NoError(t, err)
		_, _, err = s.Swap(ctx, Claimable("c"), hold(1, 3, "c", 2*time.Minute), t0)
		require.NoError(t, err)

		keys, err := s.Expiring(ctx, t0.Add(2*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{{1, 1}, {1, 3}}, keys)

		keys, err = s.Expiring(ctx, t0.Add(time.Hour), 1)
		require.NoError(t, err)
		assert.Equal(t, []Key{{1, 1}}, keys)

		_, ok, err := s.Swap(ctx, Lapsed(), model.AvailableLock(1, 1), t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		keys, err = s.Expiring(ctx, t0.Add(2*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []Key{{1, 3}}, keys)
	})
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				holder := string(rune('a' + i%26))
				_, ok, err := s.Swap(ctx, Claimable(holder+"x"), hold(5, 5, holder+"x", time.Minute), t0)
				if err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})
}

func TestRedisStore_NativeExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, "")
	ctx := context.Background()

	_, ok, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("seatlock:lock:1:1"))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists("seatlock:lock:1:1"))

	got, err := s.Get(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, model.SeatAvailable, got.Status)

	// the holder index entry outlives the key and is pruned on read
	locks, err := s.HeldBy(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, locks)
	members, err := mr.Members("seatlock:holder:alice")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRedisStore_PinnedAndBookedPersist(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, "")
	ctx := context.Background()

	_, _, err := s.Swap(ctx, Claimable("alice"), hold(1, 1, "alice", time.Minute), t0)
	require.NoError(t, err)
	pin := hold(1, 1, "alice", time.Minute)
	pin.PaymentRef = "pay-1"
	_, ok, err := s.Swap(ctx, HeldBy("alice", ""), pin, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), mr.TTL("seatlock:lock:1:1"))

	mr.FastForward(time.Hour)
	got, err := s.Get(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, got.Pending())
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("12:34")
	require.NoError(t, err)
	assert.Equal(t, Key{ShowID: 12, SeatID: 34}, k)
	assert.Equal(t, "12:34", k.String())

	for _, bad := range []string{"", "12", "x:1", "1:y"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func mustGet(t *testing.T, s Store, show, seat uint64) model.SeatLock {
	t.Helper()
	l, err := s.Get(context.Background(), show, seat)
	require.NoError(t, err)
	return l
}

func TestStore_GetMany(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.Swap(ctx, Claimable("alice"), hold(1, 2, "alice", time.Minute), t0)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetMany(ctx, 1, []uint64{1, 2, 3})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.AvailableLock(1, 1), got[1])
		assert.Equal(t, "alice", got[2].HolderID)
		assert.Equal(t, model.SeatAvailable, got[3].Status)

		empty, err := s.GetMany(ctx, 1, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
