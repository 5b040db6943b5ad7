package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyQueue       = "matchmaking:queue"        // Sorted set, score = join timestamp (ms)
	keyEntryPrefix = "matchmaking:queue:entry:" // + <player_id> -> Hash

	// DefaultWaitPerPosition is the flat per-position wait estimate shown to
	// queued players.
	DefaultWaitPerPosition = 30 * time.Second
)

// QueueEntry is one waiting player. JoinedAt (unix ms) is the FIFO sort key.
type QueueEntry struct {
	PlayerID      string
	ConnectionRef string
	JoinedAt      int64
	Metadata      map[string]string
}

// QueueStatus is what a player is told about their place in line.
type QueueStatus struct {
	Position      int
	EstimatedWait time.Duration
	QueueSize     int64
}

// Queue is the shared FIFO waiting queue. Membership and order live in one
// sorted set so every write is a single-member atomic operation; the entry
// hash only carries the connection reference and metadata.
type Queue struct {
	rdb             *redis.Client
	waitPerPosition time.Duration
	now             func() time.Time
	sweepScript     *redis.Script
	reconnectScript *redis.Script
}

// NewQueue creates a queue backed by Redis.
func NewQueue(rdb *redis.Client, waitPerPosition time.Duration) *Queue {
	if waitPerPosition <= 0 {
		waitPerPosition = DefaultWaitPerPosition
	}
	return &Queue{
		rdb:             rdb,
		waitPerPosition: waitPerPosition,
		now:             time.Now,
		sweepScript:     redis.NewScript(sweepEntryLua),
		reconnectScript: redis.NewScript(reconnectLua),
	}
}

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue adds a player at the tail with JoinedAt = now. A player already in
// the queue gets ErrDuplicateEntry and keeps their original place.
func (q *Queue) Enqueue(ctx context.Context, playerID, connRef string, metadata map[string]string) (QueueStatus, error) {
	joinedAt := q.now().UnixMilli()

	added, err := q.rdb.ZAddNX(ctx, keyQueue, redis.Z{Score: float64(joinedAt), Member: playerID}).Result()
	if err != nil {
		return QueueStatus{}, fmt.Errorf("matchmaking: enqueue %s: %w", playerID, err)
	}
	if added == 0 {
		return QueueStatus{}, ErrDuplicateEntry
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("matchmaking: marshal metadata for %s: %w", playerID, err)
	}
	if err := q.rdb.HSet(ctx, keyEntryPrefix+playerID, map[string]interface{}{
		"connection_ref": connRef,
		"joined_at":      strconv.FormatInt(joinedAt, 10),
		"metadata":       string(meta),
	}).Err(); err != nil {
		// Leave no half-written member behind.
		q.rdb.ZRem(ctx, keyQueue, playerID)
		return QueueStatus{}, fmt.Errorf("matchmaking: write entry %s: %w", playerID, err)
	}

	return q.Status(ctx, playerID)
}

// Dequeue removes a player. Removing an absent player is a no-op and
// reports false.
func (q *Queue) Dequeue(ctx context.Context, playerID string) (bool, error) {
	var zrem *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		zrem = pipe.ZRem(ctx, keyQueue, playerID)
		pipe.Del(ctx, keyEntryPrefix+playerID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("matchmaking: dequeue %s: %w", playerID, err)
	}
	return zrem.Val() > 0, nil
}

// Position returns the 1-indexed place of a player, oldest first.
func (q *Queue) Position(ctx context.Context, playerID string) (int, error) {
	rank, err := q.rdb.ZRank(ctx, keyQueue, playerID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotQueued
	}
	if err != nil {
		return 0, fmt.Errorf("matchmaking: position %s: %w", playerID, err)
	}
	return int(rank) + 1, nil
}

// Status returns position, estimated wait and queue size for a player.
func (q *Queue) Status(ctx context.Context, playerID string) (QueueStatus, error) {
	pos, err := q.Position(ctx, playerID)
	if err != nil {
		return QueueStatus{}, err
	}
	size, err := q.Size(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Position:      pos,
		EstimatedWait: time.Duration(pos) * q.waitPerPosition,
		QueueSize:     size,
	}, nil
}

// AllStatuses returns the status of every queued player, keyed by player ID.
func (q *Queue) AllStatuses(ctx context.Context) (map[string]QueueStatus, error) {
	ids, err := q.rdb.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matchmaking: list queue: %w", err)
	}
	size := int64(len(ids))
	out := make(map[string]QueueStatus, len(ids))
	for i, id := range ids {
		pos := i + 1
		out[id] = QueueStatus{
			Position:      pos,
			EstimatedWait: time.Duration(pos) * q.waitPerPosition,
			QueueSize:     size,
		}
	}
	return out, nil
}

// IsQueued reports whether a player is in the queue.
func (q *Queue) IsQueued(ctx context.Context, playerID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyQueue, playerID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("matchmaking: is queued %s: %w", playerID, err)
	}
	return true, nil
}

// Size returns the number of queued players.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("matchmaking: queue size: %w", err)
	}
	return n, nil
}

// Entry returns a player's entry, or nil if they are not queued.
func (q *Queue) Entry(ctx context.Context, playerID string) (*QueueEntry, error) {
	score, err := q.rdb.ZScore(ctx, keyQueue, playerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matchmaking: entry %s: %w", playerID, err)
	}
	fields, err := q.rdb.HGetAll(ctx, keyEntryPrefix+playerID).Result()
	if err != nil {
		return nil, fmt.Errorf("matchmaking: entry %s: %w", playerID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return entryFromHash(playerID, int64(score), fields), nil
}

// ListAll returns every queued entry ordered by JoinedAt, oldest first.
// Members whose entry hash disappeared between the two reads are dropped.
func (q *Queue) ListAll(ctx context.Context) ([]QueueEntry, error) {
	members, err := q.rdb.ZRangeWithScores(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("matchmaking: list queue: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, keyEntryPrefix+m.Member.(string))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("matchmaking: load entries: %w", err)
	}

	entries := make([]QueueEntry, 0, len(members))
	for i, m := range members {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, *entryFromHash(m.Member.(string), int64(m.Score), fields))
	}
	return entries, nil
}

// SweepTimedOut removes every entry that has waited longer than maxAge and
// returns them. Each removal is a compare-and-delete on the score that was
// read, so an entry requeued with a fresh JoinedAt in the meantime is left
// alone, and when several instances sweep at once a given entry is
// reported by exactly one of them.
func (q *Queue) SweepTimedOut(ctx context.Context, maxAge time.Duration) ([]QueueEntry, error) {
	cutoff := q.now().Add(-maxAge).UnixMilli()

	members, err := q.rdb.ZRangeByScoreWithScores(ctx, keyQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("matchmaking: scan timed out: %w", err)
	}

	var removed []QueueEntry
	for _, m := range members {
		playerID := m.Member.(string)
		flat, err := q.sweepScript.Run(ctx, q.rdb,
			[]string{keyQueue, keyEntryPrefix + playerID},
			playerID, strconv.FormatFloat(m.Score, 'f', -1, 64),
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			continue // requeued or taken by another sweeper
		}
		if err != nil {
			return removed, fmt.Errorf("matchmaking: remove timed out %s: %w", playerID, err)
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			fields[flat[i]] = flat[i+1]
		}
		removed = append(removed, *entryFromHash(playerID, int64(m.Score), fields))
	}
	return removed, nil
}

// Reconnect points a queued player at a new connection without touching
// their JoinedAt, and returns their current position. The membership check
// and the write are one script, so a concurrent Dequeue never leaves an
// orphaned entry hash behind.
func (q *Queue) Reconnect(ctx context.Context, playerID, connRef string) (int, error) {
	ok, err := q.reconnectScript.Run(ctx, q.rdb,
		[]string{keyQueue, keyEntryPrefix + playerID},
		playerID, connRef,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("matchmaking: reconnect %s: %w", playerID, err)
	}
	if ok == 0 {
		return 0, ErrNotQueued
	}
	return q.Position(ctx, playerID)
}

// Requeue moves a player to the tail of the queue with a fresh JoinedAt.
// A player who was not queued is simply enqueued.
func (q *Queue) Requeue(ctx context.Context, playerID, connRef string, metadata map[string]string) (QueueStatus, error) {
	if _, err := q.Dequeue(ctx, playerID); err != nil {
		return QueueStatus{}, err
	}
	status, err := q.Enqueue(ctx, playerID, connRef, metadata)
	if errors.Is(err, ErrDuplicateEntry) {
		// A concurrent join beat us to it; their entry stands.
		return q.Status(ctx, playerID)
	}
	return status, err
}

func entryFromHash(playerID string, joinedAt int64, fields map[string]string) *QueueEntry {
	entry := &QueueEntry{
		PlayerID:      playerID,
		ConnectionRef: fields["connection_ref"],
		JoinedAt:      joinedAt,
	}
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &entry.Metadata)
	}
	return entry
}

// sweepEntryLua removes a queue member only if its score still equals the
// one the sweeper read, and hands back the entry hash it deleted.
const sweepEntryLua = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return false
end
redis.call('ZREM', KEYS[1], ARGV[1])
local fields = redis.call('HGETALL', KEYS[2])
redis.call('DEL', KEYS[2])
return fields
`

// reconnectLua updates the connection ref of a member that is still queued.
const reconnectLua = `
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[2], 'connection_ref', ARGV[2])
return 1
`
