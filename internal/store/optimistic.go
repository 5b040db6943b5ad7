package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConflict is returned when an optimistic update could not commit within
// its retry budget because the watched key kept changing underneath it.
var ErrConflict = errors.New("store: optimistic update conflict")

// RetryPolicy bounds RunOptimisticUpdate.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRetryPolicy is 5 attempts, 100ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, RetryDelay: 100 * time.Millisecond}
}

// UpdateFunc runs inside a WATCH on the key. It reads through tx and, if it
// decides to write, commits with tx.TxPipelined. Returning without a
// TxPipelined call is a read-only attempt and always succeeds.
type UpdateFunc func(ctx context.Context, tx *redis.Tx) error

// ConflictHook is notified on every lost race, before the retry delay.
type ConflictHook func(key string, attempt int)

// RunOptimisticUpdate runs fn under WATCH key. When the key is modified by
// anyone else between the WATCH and fn's EXEC, the whole of fn is run again
// from a fresh read after policy.RetryDelay. Errors from fn other than a lost
// race are returned as-is. After policy.MaxRetries lost races the result
// wraps ErrConflict.
func RunOptimisticUpdate(ctx context.Context, client *redis.Client, key string, policy RetryPolicy, fn UpdateFunc, onConflict ConflictHook) (int, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			return fn(ctx, tx)
		}, key)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return attempt, err
		}

		if onConflict != nil {
			onConflict(key, attempt)
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(policy.RetryDelay):
		}
	}

	return maxRetries, fmt.Errorf("%w: key %s after %d attempts", ErrConflict, key, maxRetries)
}
