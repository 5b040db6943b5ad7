package matchmaking

import (
	"errors"

	"github.com/arena/matchmaking/internal/store"
)

// Errors returned by the queue, the acceptance coordinator and the service.
// Store failures are wrapped with the operation name; callers match with
// errors.Is.
var (
	ErrDuplicateEntry        = errors.New("matchmaking: player already queued")
	ErrNotQueued             = errors.New("matchmaking: player not queued")
	ErrSessionNotFound       = errors.New("matchmaking: acceptance session not found")
	ErrSessionExpired        = errors.New("matchmaking: acceptance session expired")
	ErrSessionRejected       = errors.New("matchmaking: acceptance session already rejected")
	ErrSessionConfirmed      = errors.New("matchmaking: acceptance session already confirmed")
	ErrNotParticipant        = errors.New("matchmaking: player is not part of this match")
	ErrPlayerBusy            = errors.New("matchmaking: player already in a pending match")
	ErrTransientStoreFailure = errors.New("matchmaking: store contention, try again")
	ErrDownstreamUnavailable = errors.New("matchmaking: game room service unavailable")
	ErrQueueBlocked          = errors.New("matchmaking: player temporarily blocked from queue")

	// ErrOptimisticConflict is the store-level lost race. It never escapes
	// Accept; exhausted retries surface as ErrTransientStoreFailure.
	ErrOptimisticConflict = store.ErrConflict
)
