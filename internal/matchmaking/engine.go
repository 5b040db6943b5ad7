package matchmaking

import (
	"context"

	"go.uber.org/zap"
)

// MatchCandidate is a proposed pairing, oldest player first.
type MatchCandidate struct {
	First  QueueEntry
	Second QueueEntry
}

// SessionLookup answers whether a player is already inside an unresolved
// acceptance session. *Coordinator implements it.
type SessionLookup interface {
	SessionForPlayer(ctx context.Context, playerID string) (*AcceptanceSession, error)
}

// Engine picks the next pair from the queue. It never mutates state.
type Engine struct {
	queue    *Queue
	sessions SessionLookup
	logger   *zap.Logger
}

// NewEngine creates a pairing engine.
func NewEngine(queue *Queue, sessions SessionLookup, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{queue: queue, sessions: sessions, logger: logger}
}

// FindMatch returns the two oldest queued players that are not already in a
// pending session, or nil when fewer than two are eligible. When the session
// lookup fails for a player, that player is treated as eligible.
func (e *Engine) FindMatch(ctx context.Context) (*MatchCandidate, error) {
	entries, err := e.queue.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) < 2 {
		return nil, nil
	}

	eligible := make([]QueueEntry, 0, 2)
	for _, entry := range entries {
		busy, err := e.sessions.SessionForPlayer(ctx, entry.PlayerID)
		if err != nil {
			e.logger.Warn("session lookup failed, treating player as eligible",
				zap.String("player_id", entry.PlayerID), zap.Error(err))
		} else if busy != nil {
			continue
		}

		eligible = append(eligible, entry)
		if len(eligible) == 2 {
			break
		}
	}

	if len(eligible) < 2 {
		return nil, nil
	}
	return &MatchCandidate{First: eligible[0], Second: eligible[1]}, nil
}
