// Package penalty tracks players who let acceptance windows lapse.
// Counters and blocks are plain Redis keys with TTL-based expiry:
//
//	Key:   matchmaking:timeout-count:<player_id>   Value: consecutive timeouts
//	Key:   matchmaking:blocked:<player_id>         Value: reason
package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CountPrefix is the Redis key prefix for consecutive timeout counters.
	CountPrefix = "matchmaking:timeout-count:"

	// BlockPrefix is the Redis key prefix for queue blocks.
	BlockPrefix = "matchmaking:blocked:"
)

// Action is what the caller must do after a recorded timeout.
type Action string

const (
	ActionRequeue Action = "requeued" // move the player to the end of the queue
	ActionBlock   Action = "blocked"  // remove the player and refuse rejoin until the block expires
)

// Config holds penalty tuning.
type Config struct {
	CountTTL  time.Duration // counter lifetime, fixed at first increment
	Threshold int           // timeouts that trigger a block
	Cooldown  time.Duration // block duration
}

// DefaultConfig returns a 1h counter, threshold 3 and a 15 minute block.
func DefaultConfig() Config {
	return Config{
		CountTTL:  time.Hour,
		Threshold: 3,
		Cooldown:  15 * time.Minute,
	}
}

// Decision is the result of RecordTimeout.
type Decision struct {
	Count  int
	Action Action
}

// Store manages timeout counters and blocks in Redis.
type Store struct {
	client *redis.Client
	config Config
}

// NewStore creates a new penalty store using the provided Redis client.
func NewStore(client *redis.Client, config Config) *Store {
	if config.Threshold < 1 {
		config.Threshold = DefaultConfig().Threshold
	}
	return &Store{client: client, config: config}
}

// Threshold returns the configured block threshold.
func (s *Store) Threshold() int {
	return s.config.Threshold
}

// Count returns the current timeout counter. A missing or expired counter
// is zero.
func (s *Store) Count(ctx context.Context, playerID string) (int, error) {
	val, err := s.client.Get(ctx, CountPrefix+playerID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("penalty: count: %w", err)
	}
	return val, nil
}

// Increment bumps the timeout counter and returns the new value. The TTL is
// set only on the first increment so the window doesn't slide.
func (s *Store) Increment(ctx context.Context, playerID string) (int, error) {
	key := CountPrefix + playerID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("penalty: incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, s.config.CountTTL).Err(); err != nil {
			return 0, fmt.Errorf("penalty: expire: %w", err)
		}
	}
	return int(count), nil
}

// Reset clears the counter. Called whenever the player answers a proposal.
func (s *Store) Reset(ctx context.Context, playerID string) error {
	if err := s.client.Del(ctx, CountPrefix+playerID).Err(); err != nil {
		return fmt.Errorf("penalty: reset: %w", err)
	}
	return nil
}

// RecordTimeout increments the counter and decides the penalty. Below the
// threshold the player is requeued at the tail; at the threshold they are
// blocked for the cooldown and the counter starts over.
func (s *Store) RecordTimeout(ctx context.Context, playerID string) (Decision, error) {
	count, err := s.Increment(ctx, playerID)
	if err != nil {
		return Decision{}, err
	}
	if count < s.config.Threshold {
		return Decision{Count: count, Action: ActionRequeue}, nil
	}

	if err := s.Block(ctx, playerID, "acceptance_timeouts"); err != nil {
		return Decision{}, err
	}
	if err := s.Reset(ctx, playerID); err != nil {
		return Decision{}, err
	}
	return Decision{Count: count, Action: ActionBlock}, nil
}

// Block refuses queue entry for the configured cooldown.
func (s *Store) Block(ctx context.Context, playerID, reason string) error {
	if err := s.client.Set(ctx, BlockPrefix+playerID, reason, s.config.Cooldown).Err(); err != nil {
		return fmt.Errorf("penalty: block: %w", err)
	}
	return nil
}

// IsBlocked reports whether a player is blocked and for how many more
// seconds. Redis errors are returned so callers can decide to fail open.
func (s *Store) IsBlocked(ctx context.Context, playerID string) (bool, int, error) {
	key := BlockPrefix + playerID

	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("penalty: is blocked: %w", err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The block exists; report it with no remaining time rather than drop it.
		return true, 0, nil
	}
	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, nil
}
