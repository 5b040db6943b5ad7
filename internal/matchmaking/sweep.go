package matchmaking

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/history"
	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/penalty"
	"github.com/arena/matchmaking/internal/protocol"
)

// recentCounter is implemented by recorders that can count past outcomes.
type recentCounter interface {
	CountRecent(ctx context.Context, playerID, outcome string, window time.Duration) (int, error)
}

// SweepQueueTimeouts removes players who waited longer than the queue
// timeout and tells them. A proposal they were part of is withdrawn the
// same way a leave withdraws it, so a timed-out player is never confirmed.
func (s *Service) SweepQueueTimeouts(ctx context.Context) ([]QueueEntry, error) {
	removed, err := s.queue.SweepTimedOut(ctx, s.config.QueueTimeout)
	for _, entry := range removed {
		s.withdrawProposals(ctx, entry.PlayerID)
		s.notify(entry.PlayerID, protocol.TypeQueueTimeout, protocol.QueueTimeoutMsg{
			PlayerID: entry.PlayerID,
			Message:  msgQueueTimeout,
		})
		metrics.QueueTimeouts.Inc()
		s.logger.Info("queue timeout",
			zap.String("player_id", entry.PlayerID),
			zap.Duration("waited", time.Duration(time.Now().UnixMilli()-entry.JoinedAt)*time.Millisecond))
	}
	if len(removed) > 0 {
		s.updateQueueGauge(ctx)
	}
	return removed, err
}

// SweepExpiredSessions resolves every session whose window closed without
// both players accepting.
func (s *Service) SweepExpiredSessions(ctx context.Context) ([]AcceptanceSession, error) {
	expired, err := s.coordinator.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		s.handleExpired(ctx, &expired[i], "")
	}
	return expired, nil
}

// handleExpired applies the timeout penalty to every player who did not
// accept. Players who accepted, and the late acceptor named by exempt,
// keep their place in the queue.
func (s *Service) handleExpired(ctx context.Context, sess *AcceptanceSession, exempt string) {
	for _, playerID := range []string{sess.Player1ID, sess.Player2ID} {
		if sess.HasAccepted(playerID) || playerID == exempt {
			s.notify(playerID, protocol.TypeMatchAcceptanceExpired, protocol.MatchAcceptanceExpiredMsg{
				MatchID: sess.MatchID,
				Message: msgOpponentTimeout,
			})
			continue
		}
		s.penalize(ctx, sess.MatchID, playerID)
	}

	s.record(sess.MatchID, history.OutcomeExpired, "")
	metrics.MatchesTotal.WithLabelValues(history.OutcomeExpired).Inc()
	s.logger.Info("match acceptance expired",
		zap.String("match_id", sess.MatchID),
		zap.Bool("player1_accepted", sess.Player1Accepted),
		zap.Bool("player2_accepted", sess.Player2Accepted))
}

func (s *Service) penalize(ctx context.Context, matchID, playerID string) {
	decision := penalty.Decision{Count: 1, Action: penalty.ActionRequeue}
	if s.penalties != nil {
		d, err := s.penalties.RecordTimeout(ctx, playerID)
		if err != nil {
			s.logger.Warn("record timeout failed, requeueing",
				zap.String("player_id", playerID), zap.Error(err))
		} else {
			decision = d
		}
	}
	metrics.Penalties.WithLabelValues(string(decision.Action)).Inc()

	if decision.Action == penalty.ActionBlock {
		if _, err := s.queue.Dequeue(ctx, playerID); err != nil {
			s.logger.Warn("dequeue blocked player failed", zap.String("player_id", playerID), zap.Error(err))
		}
		s.notify(playerID, protocol.TypeMatchAcceptanceExpired, protocol.MatchAcceptanceExpiredMsg{
			MatchID:      matchID,
			TimeoutCount: decision.Count,
			Message:      msgQueueBlocked,
		})

		fields := []zap.Field{zap.String("player_id", playerID), zap.Int("timeouts", decision.Count)}
		if counter, ok := s.recorder.(recentCounter); ok {
			if n, err := counter.CountRecent(ctx, playerID, history.OutcomeExpired, 24*time.Hour); err == nil {
				fields = append(fields, zap.Int("expired_last_24h", n))
			}
		}
		s.logger.Info("player blocked for acceptance timeouts", fields...)
		s.updateQueueGauge(ctx)
		return
	}

	message := msgExpiredFirst
	if decision.Count > 1 {
		message = msgExpiredAgain
	}
	requeued := false
	entry, err := s.queue.Entry(ctx, playerID)
	if err != nil {
		s.logger.Warn("load entry for requeue failed", zap.String("player_id", playerID), zap.Error(err))
	} else if entry != nil {
		status, err := s.queue.Requeue(ctx, playerID, entry.ConnectionRef, entry.Metadata)
		if err != nil {
			s.logger.Warn("requeue failed", zap.String("player_id", playerID), zap.Error(err))
		} else {
			requeued = true
			s.notify(playerID, protocol.TypeQueueStatus, queueStatusMsg(status))
		}
	}

	s.notify(playerID, protocol.TypeMatchAcceptanceExpired, protocol.MatchAcceptanceExpiredMsg{
		MatchID:      matchID,
		Requeued:     requeued,
		TimeoutCount: decision.Count,
		Message:      message,
	})
}
