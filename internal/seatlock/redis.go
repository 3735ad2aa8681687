package seatlock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// Redis layout (prefix defaults to "seatlock"):
//
//	<prefix>:lock:<show>:<seat>   HASH status, holder, token, acquired, expires, ref
//	<prefix>:expiring             ZSET member "<show>:<seat>" scored by expires (unix ms)
//	<prefix>:holder:<holder>      SET  of "<show>:<seat>" held by holder
//
// Plain holds carry a native PEXPIRE equal to their remaining TTL, so a
// hold disappears on its own even when no sweeper runs; a missing hash
// reads as Available.  Pinned and booked seats are persisted.  The holder
// key is derived inside the script, which assumes a single Redis node.

// swapScript mirrors Condition.Match.  It returns the record before the
// call prefixed by 1 when the write happened and 0 otherwise.
var swapScript = redis.NewScript(`
	local key = KEYS[1]
	local zkey = KEYS[2]
	local now = tonumber(ARGV[1])
	local kind = ARGV[2]
	local member = ARGV[12]
	local hprefix = ARGV[13]

	local cur = redis.call('HMGET', key, 'status', 'holder', 'token', 'acquired', 'expires', 'ref')
	local status = cur[1] or 'AVAILABLE'
	local holder = cur[2] or ''
	local token = cur[3] or ''
	local acquired = cur[4] or '0'
	local expiresRaw = cur[5] or '0'
	local expires = tonumber(expiresRaw) or 0
	local ref = cur[6] or ''

	local held = status == 'HELD'
	local plain = held and ref == ''
	local lapsed = plain and expires <= now
	local tokenOK = ARGV[4] == '' or ARGV[4] == token

	if not held then
		redis.call('ZREM', zkey, member)
	end

	local ok = false
	if kind == 'claimable' then
		ok = status == 'AVAILABLE' or (plain and (lapsed or holder == ARGV[3]))
	elseif kind == 'held' then
		ok = plain and holder == ARGV[3] and expires > now and tokenOK
	elseif kind == 'owned' then
		ok = plain and holder == ARGV[3] and tokenOK
	elseif kind == 'pinned' then
		ok = held and holder == ARGV[3] and ref == ARGV[5]
	elseif kind == 'lapsed' then
		ok = lapsed
	end

	local result = { 0, status, holder, token, acquired, expiresRaw, ref }
	if not ok then
		return result
	end
	result[1] = 1

	if held and holder ~= '' then
		redis.call('SREM', hprefix .. holder, member)
	end

	local nstatus = ARGV[6]
	if nstatus == 'HELD' then
		redis.call('HSET', key, 'status', 'HELD', 'holder', ARGV[7], 'token', ARGV[8],
			'acquired', ARGV[9], 'expires', ARGV[10], 'ref', ARGV[11])
		redis.call('SADD', hprefix .. ARGV[7], member)
		redis.call('ZADD', zkey, ARGV[10], member)
		if ARGV[11] == '' then
			local ttl = tonumber(ARGV[10]) - now
			if ttl < 1 then ttl = 1 end
			redis.call('PEXPIRE', key, ttl)
		else
			redis.call('PERSIST', key)
		end
	else
		if nstatus ~= 'BOOKED' then
			nstatus = 'AVAILABLE'
		end
		redis.call('HSET', key, 'status', nstatus, 'holder', '', 'token', '',
			'acquired', '0', 'expires', '0', 'ref', ARGV[11])
		redis.call('PERSIST', key)
		redis.call('ZREM', zkey, member)
	end
	return result
`)

// pruneScript drops a holder-index entry unless the seat is still held
// by that holder.  Entries go stale when Redis expires a hold natively.
var pruneScript = redis.NewScript(`
	local cur = redis.call('HMGET', KEYS[1], 'status', 'holder')
	if cur[1] ~= 'HELD' or cur[2] ~= ARGV[1] then
		return redis.call('SREM', KEYS[2], ARGV[2])
	end
	return 0
`)

// RedisStore is a Store backed by Redis.  Every Swap is one EVAL round
// trip, which Redis executes atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore using the given client.  An empty
// prefix selects "seatlock".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "seatlock"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) lockKey(k Key) string { return s.prefix + ":lock:" + k.String() }

func (s *RedisStore) expiryKey() string { return s.prefix + ":expiring" }

func (s *RedisStore) holderPrefix() string { return s.prefix + ":holder:" }

func (s *RedisStore) holderKey(h string) string { return s.holderPrefix() + h }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, showID, seatID uint64) (model.SeatLock, error) {
	k := Key{ShowID: showID, SeatID: seatID}
	vals, err := s.rdb.HMGet(ctx, s.lockKey(k), "status", "holder", "token", "acquired", "expires", "ref").Result()
	if err != nil {
		return model.SeatLock{}, fmt.Errorf("seatlock: get %s: %w", k, err)
	}
	return lockFromFields(k, vals), nil
}

// GetMany implements Store with one pipelined HMGET per seat.
func (s *RedisStore) GetMany(ctx context.Context, showID uint64, seatIDs []uint64) (map[uint64]model.SeatLock, error) {
	out := make(map[uint64]model.SeatLock, len(seatIDs))
	if len(seatIDs) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(seatIDs))
	for i, id := range seatIDs {
		cmds[i] = pipe.HMGet(ctx, s.lockKey(Key{ShowID: showID, SeatID: id}), "status", "holder", "token", "acquired", "expires", "ref")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("seatlock: get %d seats of show %d: %w", len(seatIDs), showID, err)
	}
	for i, id := range seatIDs {
		out[id] = lockFromFields(Key{ShowID: showID, SeatID: id}, cmds[i].Val())
	}
	return out, nil
}

// Swap implements Store.
func (s *RedisStore) Swap(ctx context.Context, cond Condition, next model.SeatLock, now time.Time) (model.SeatLock, bool, error) {
	k := Key{ShowID: next.ShowID, SeatID: next.SeatID}
	next = normalize(next)
	args := []interface{}{
		now.UnixMilli(),
		string(cond.Kind),
		cond.HolderID,
		cond.SessionToken,
		cond.PaymentRef,
		string(next.Status),
		next.HolderID,
		next.SessionToken,
		unixMilli(next.AcquiredAt),
		unixMilli(next.ExpiresAt),
		next.PaymentRef,
		k.String(),
		s.holderPrefix(),
	}
	res, err := swapScript.Run(ctx, s.rdb, []string{s.lockKey(k), s.expiryKey()}, args...).Slice()
	if err != nil {
		return model.SeatLock{}, false, fmt.Errorf("seatlock: swap %s: %w", k, err)
	}
	if len(res) != 7 {
		return model.SeatLock{}, false, fmt.Errorf("seatlock: swap %s: unexpected script result %#v", k, res)
	}
	prev := lockFromFields(k, res[1:])
	return prev, asInt64(res[0]) == 1, nil
}

// HeldBy implements Store.  Index entries whose hold Redis already
// expired are pruned on the way.
func (s *RedisStore) HeldBy(ctx context.Context, holderID string) ([]model.SeatLock, error) {
	hkey := s.holderKey(holderID)
	members, err := s.rdb.SMembers(ctx, hkey).Result()
	if err != nil {
		return nil, fmt.Errorf("seatlock: holder index %s: %w", holderID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, s.lockKey(k), "status", "holder", "token", "acquired", "expires", "ref")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("seatlock: holder lookup %s: %w", holderID, err)
	}
	var out []model.SeatLock
	for i, k := range keys {
		l := lockFromFields(k, cmds[i].Val())
		if l.Status == model.SeatHeld && l.HolderID == holderID {
			out = append(out, l)
			continue
		}
		if err := pruneScript.Run(ctx, s.rdb, []string{s.lockKey(k), hkey}, holderID, k.String()).Err(); err != nil {
			return nil, fmt.Errorf("seatlock: prune %s: %w", k, err)
		}
	}
	sortLocks(out)
	return out, nil
}

// Expiring implements Store.
func (s *RedisStore) Expiring(ctx context.Context, before time.Time, limit int) ([]Key, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("seatlock: expiring: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// lockFromFields decodes the six hash fields (status, holder, token,
// acquired, expires, ref).  Missing fields come back as nil from HMGET.
func lockFromFields(k Key, vals []interface{}) model.SeatLock {
	field := func(i int) string {
		if i >= len(vals) || vals[i] == nil {
			return ""
		}
		if s, ok := vals[i].(string); ok {
			return s
		}
		return fmt.Sprint(vals[i])
	}
	status := model.SeatStatus(field(0))
	switch status {
	case model.SeatHeld:
		return model.SeatLock{
			ShowID:       k.ShowID,
			SeatID:       k.SeatID,
			Status:       model.SeatHeld,
			HolderID:     field(1),
			SessionToken: field(2),
			AcquiredAt:   fromMilli(asInt64(field(3))),
			ExpiresAt:    fromMilli(asInt64(field(4))),
			PaymentRef:   field(5),
		}
	case model.SeatBooked:
		return model.Booked(k.ShowID, k.SeatID, field(5))
	default:
		return model.AvailableLock(k.ShowID, k.SeatID)
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
