package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout:
//
//	<prefix>:waiting          sorted set of entry ids, score = enqueue UnixNano
//	<prefix>:owners           hash, entry id → user id
//	<prefix>:user:<userID>    string, the entry id currently owned by userID
//
// ZREM on the waiting set is the atomic claim primitive: it returns the
// number of members actually removed, so concurrent claimers of the same
// entry resolve to a single winner. All per-user bookkeeping runs inside
// Lua scripts: a user's searches, re-queues, and teardowns can race each
// other, and a read-then-write sequence would let a stale search leave a
// second live entry or drop the mapping of a newer one.

// userKeyTTL caps how long an orphaned reverse mapping can linger if a
// client dies without running its exit cleanup.
const userKeyTTL = 24 * time.Hour

var (
	// insertScript displaces the user's previous entry, if any, before
	// adding the new one, keeping at most one live entry per user no
	// matter how inserts interleave.
	insertScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[3])
if prev then
	redis.call("ZREM", KEYS[1], prev)
	redis.call("HDEL", KEYS[2], prev)
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return redis.call("SET", KEYS[3], ARGV[2], "PX", ARGV[4])
`)

	// claimCleanupScript drops the claimed entry's bookkeeping. The user
	// key goes only while it still names the claimed entry; a victim that
	// re-enqueued in the meantime keeps its newer mapping.
	claimCleanupScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
return redis.call("HDEL", KEYS[2], ARGV[1])
`)

	// deleteByUserScript removes whichever entry the user's mapping names,
	// atomically with the mapping itself.
	deleteByUserScript = redis.NewScript(`
local entry = redis.call("GET", KEYS[3])
if not entry then
	return 0
end
redis.call("ZREM", KEYS[1], entry)
redis.call("HDEL", KEYS[2], entry)
redis.call("DEL", KEYS[3])
return 1
`)
)

// RedisStore implements Store on a Redis sorted set.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a store under the given key prefix. An empty
// prefix selects "strangerloop:queue".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "strangerloop:queue"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) waitingKey() string           { return s.prefix + ":waiting" }
func (s *RedisStore) ownersKey() string            { return s.prefix + ":owners" }
func (s *RedisStore) userKey(userID string) string { return s.prefix + ":user:" + userID }

// Insert adds a fresh entry for userID, displacing any entry the user
// still had, and records both directions of the entry ↔ user mapping.
func (s *RedisStore) Insert(ctx context.Context, userID string) (string, error) {
	entryID := uuid.NewString()

	err := insertScript.Run(ctx, s.rdb,
		[]string{s.waitingKey(), s.ownersKey(), s.userKey(userID)},
		time.Now().UnixNano(), entryID, userID, userKeyTTL.Milliseconds(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("insert queue entry: %w", err)
	}
	return entryID, nil
}

// DeleteByID claims the entry via ZREM. The removed count is the race
// arbiter; the loser gets removed == false and no error.
func (s *RedisStore) DeleteByID(ctx context.Context, entryID string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, s.waitingKey(), entryID).Result()
	if err != nil {
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	// Winner cleans up the bookkeeping. Best effort: a leftover mapping
	// is displaced by the user's next Insert and expires on its own.
	if owner, err := s.rdb.HGet(ctx, s.ownersKey(), entryID).Result(); err == nil {
		claimCleanupScript.Run(ctx, s.rdb,
			[]string{s.userKey(owner), s.ownersKey()}, entryID)
	}
	return true, nil
}

// DeleteByUser removes userID's entry if one exists. Idempotent.
func (s *RedisStore) DeleteByUser(ctx context.Context, userID string) error {
	err := deleteByUserScript.Run(ctx, s.rdb,
		[]string{s.waitingKey(), s.ownersKey(), s.userKey(userID)},
	).Err()
	if err != nil {
		return fmt.Errorf("delete queue entry for %s: %w", userID, err)
	}
	return nil
}

// SelectOldestExcluding returns the oldest waiting entries owned by anyone
// but userID, ascending by enqueue time.
func (s *RedisStore) SelectOldestExcluding(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}

	// Over-fetch by one so the caller's own entry can be skipped without a
	// second round trip.
	raw, err := s.rdb.ZRangeWithScores(ctx, s.waitingKey(), 0, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("select queue entries: %w", err)
	}

	entries := make([]Entry, 0, limit)
	for _, z := range raw {
		entryID, ok := z.Member.(string)
		if !ok {
			continue
		}
		owner, err := s.rdb.HGet(ctx, s.ownersKey(), entryID).Result()
		if err == redis.Nil {
			// Entry claimed between ZRANGE and HGET; skip it.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve queue entry owner: %w", err)
		}
		if owner == userID {
			continue
		}
		entries = append(entries, Entry{
			ID:         entryID,
			UserID:     owner,
			EnqueuedAt: time.Unix(0, int64(z.Score)),
		})
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}
