package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/gameroom"
	"github.com/arena/matchmaking/internal/history"
	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/penalty"
	"github.com/arena/matchmaking/internal/protocol"
)

const (
	msgMatchConfirmed  = "Match confirmed! Starting game..."
	msgQueueTimeout    = "Queue session timed out after 1 minute. Please try again."
	msgQueueBlocked    = "You have been disconnected from the queue due to multiple match acceptance timeouts. Please try again later."
	msgExpiredFirst    = "Match acceptance expired. You have been moved to the end of the queue. Please respond promptly to future matches."
	msgExpiredAgain    = "Match acceptance expired again. You have been moved to the end of the queue. One more timeout will result in disconnection."
	msgOpponentTimeout = "Your opponent did not respond in time. You keep your place in the queue."

	// DefaultHeroID is sent to the game room for players without a hero_id.
	DefaultHeroID = "default-hero"
)

// JoinRequest is the NATS payload the gateway sends when a player queues.
type JoinRequest struct {
	PlayerID      string            `json:"player_id"`
	ConnectionRef string            `json:"connection_ref"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// LeaveRequest is sent when a player leaves the queue or their grace
// period after a disconnect runs out. A disconnect leave carries the
// dropped socket's ConnectionRef and is ignored once the player has
// reconnected elsewhere.
type LeaveRequest struct {
	PlayerID      string `json:"player_id"`
	ConnectionRef string `json:"connection_ref,omitempty"`
}

// ReconnectRequest is sent when a player opens a new socket.
type ReconnectRequest struct {
	PlayerID      string `json:"player_id"`
	ConnectionRef string `json:"connection_ref"`
}

// AcceptRequest is sent when a player accepts a proposal.
type AcceptRequest struct {
	PlayerID string `json:"player_id"`
	MatchID  string `json:"match_id"`
}

// RejectRequest is sent when a player rejects a proposal.
type RejectRequest struct {
	PlayerID string `json:"player_id"`
	MatchID  string `json:"match_id"`
}

// RoomCreator creates the downstream game room. *gameroom.Client implements it.
type RoomCreator interface {
	CreateGameRoom(ctx context.Context, matchID string, players []gameroom.Player) (string, error)
}

// Recorder keeps the match audit trail. *history.Store implements it.
type Recorder interface {
	RecordProposed(ctx context.Context, p history.Proposal) error
	RecordOutcome(ctx context.Context, matchID, outcome, decidedBy string) error
}

// NopRecorder discards everything; used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordProposed(context.Context, history.Proposal) error       { return nil }
func (NopRecorder) RecordOutcome(context.Context, string, string, string) error { return nil }

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Queue       *Queue
	Coordinator *Coordinator
	Penalties   *penalty.Store
	Rooms       RoomCreator
	Notifier    Notifier
	Recorder    Recorder
	Logger      *zap.Logger
}

// ServiceConfig holds the loop intervals and queue timeout.
type ServiceConfig struct {
	MatchInterval           time.Duration
	QueueTimeout            time.Duration
	QueueSweepInterval      time.Duration
	AcceptanceSweepInterval time.Duration
	DefaultHeroID           string
}

// DefaultServiceConfig returns a 3s pairing pass, 1m queue timeout, 10s
// queue sweep and 2s acceptance sweep.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MatchInterval:           3 * time.Second,
		QueueTimeout:            time.Minute,
		QueueSweepInterval:      10 * time.Second,
		AcceptanceSweepInterval: 2 * time.Second,
		DefaultHeroID:           DefaultHeroID,
	}
}

// Service is the background matchmaking service. It consumes gateway
// requests from NATS, runs the pairing pass on a ticker and sweeps timed
// out queue entries and expired acceptance sessions.
type Service struct {
	queue       *Queue
	coordinator *Coordinator
	engine      *Engine
	penalties   *penalty.Store
	rooms       RoomCreator
	notifier    Notifier
	recorder    Recorder
	logger      *zap.Logger
	config      ServiceConfig
	newMatchID  func() string

	// pairMu keeps this instance's pairing passes from overlapping; the
	// coordinator's player claims handle other instances.
	pairMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a matchmaking service.
func NewService(deps Dependencies, config ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if config.DefaultHeroID == "" {
		config.DefaultHeroID = DefaultHeroID
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		engine:      NewEngine(deps.Queue, deps.Coordinator, logger),
		penalties:   deps.Penalties,
		rooms:       deps.Rooms,
		notifier:    deps.Notifier,
		recorder:    recorder,
		logger:      logger,
		config:      config,
		newMatchID:  func() string { return "match-" + uuid.New().String() },
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the gateway subjects and starts the background loops.
func (s *Service) Start(nats *messaging.NATSClient) error {
	subs := []struct {
		subject string
		handler func([]byte)
	}{
		{messaging.SubjectJoin, s.handleJoin},
		{messaging.SubjectLeave, s.handleLeave},
		{messaging.SubjectReconnect, s.handleReconnect},
		{messaging.SubjectAccept, s.handleAccept},
		{messaging.SubjectReject, s.handleReject},
	}
	for _, sub := range subs {
		if err := nats.QueueSubscribe(sub.subject, messaging.MatcherQueueGroup, sub.handler); err != nil {
			return fmt.Errorf("matchmaking: subscribe %s: %w", sub.subject, err)
		}
	}

	s.runEvery("match", s.config.MatchInterval, func(ctx context.Context) {
		if _, err := s.RunPairingPass(ctx); err != nil {
			s.logger.Warn("pairing pass failed", zap.Error(err))
		}
	})
	s.runEvery("queue sweep", s.config.QueueSweepInterval, func(ctx context.Context) {
		if _, err := s.SweepQueueTimeouts(ctx); err != nil {
			s.logger.Warn("queue sweep failed", zap.Error(err))
		}
	})
	s.runEvery("acceptance sweep", s.config.AcceptanceSweepInterval, func(ctx context.Context) {
		if _, err := s.SweepExpiredSessions(ctx); err != nil {
			s.logger.Warn("acceptance sweep failed", zap.Error(err))
		}
	})

	s.logger.Info("matchmaking service started",
		zap.Duration("match_interval", s.config.MatchInterval),
		zap.Duration("queue_timeout", s.config.QueueTimeout),
		zap.Duration("acceptance_window", s.coordinator.Window()))
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("matchmaking service stopped")
}

func (s *Service) runEvery(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debug("loop stopped", zap.String("loop", name))
				return
			case <-ticker.C:
				fn(s.ctx)
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// NATS handlers
// ---------------------------------------------------------------------------

func (s *Service) handleJoin(data []byte) {
	var req JoinRequest
	if !s.decode(data, &req) {
		return
	}
	if _, err := s.Join(s.ctx, req); err != nil && !errors.Is(err, ErrQueueBlocked) {
		s.logger.Warn("join failed", zap.String("player_id", req.PlayerID), zap.Error(err))
	}
}

func (s *Service) handleLeave(data []byte) {
	var req LeaveRequest
	if !s.decode(data, &req) {
		return
	}
	if err := s.Leave(s.ctx, req); err != nil {
		s.logger.Warn("leave failed", zap.String("player_id", req.PlayerID), zap.Error(err))
	}
}

func (s *Service) handleReconnect(data []byte) {
	var req ReconnectRequest
	if !s.decode(data, &req) {
		return
	}
	if err := s.Reconnect(s.ctx, req); err != nil {
		s.logger.Warn("reconnect failed", zap.String("player_id", req.PlayerID), zap.Error(err))
	}
}

func (s *Service) handleAccept(data []byte) {
	var req AcceptRequest
	if !s.decode(data, &req) {
		return
	}
	if _, err := s.Accept(s.ctx, req); err != nil {
		s.logger.Debug("accept refused",
			zap.String("player_id", req.PlayerID),
			zap.String("match_id", req.MatchID),
			zap.Error(err))
	}
}

func (s *Service) handleReject(data []byte) {
	var req RejectRequest
	if !s.decode(data, &req) {
		return
	}
	if err := s.Reject(s.ctx, req); err != nil {
		s.logger.Debug("reject refused",
			zap.String("player_id", req.PlayerID),
			zap.String("match_id", req.MatchID),
			zap.Error(err))
	}
}

func (s *Service) decode(data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("invalid request payload", zap.Error(err))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Join puts a player at the tail of the queue and tells them where they
// stand. Blocked players are refused. A player who is already queued keeps
// their place and gets their current status. A failed block lookup lets the
// player in.
func (s *Service) Join(ctx context.Context, req JoinRequest) (QueueStatus, error) {
	if s.penalties != nil {
		blocked, remaining, err := s.penalties.IsBlocked(ctx, req.PlayerID)
		if err != nil {
			s.logger.Warn("block lookup failed, admitting player",
				zap.String("player_id", req.PlayerID), zap.Error(err))
		} else if blocked {
			s.notify(req.PlayerID, protocol.TypeQueueBlocked, protocol.QueueBlockedMsg{
				RetryAfter: remaining,
				Message:    msgQueueBlocked,
			})
			return QueueStatus{}, ErrQueueBlocked
		}
	}

	status, err := s.queue.Enqueue(ctx, req.PlayerID, req.ConnectionRef, req.Metadata)
	if errors.Is(err, ErrDuplicateEntry) {
		status, err = s.queue.Status(ctx, req.PlayerID)
	}
	if err != nil {
		s.notifyError(req.PlayerID, protocol.CodeInternal, "could not join the queue")
		return QueueStatus{}, err
	}

	s.notify(req.PlayerID, protocol.TypeQueueStatus, queueStatusMsg(status))
	s.updateQueueGauge(ctx)
	s.logger.Info("player queued",
		zap.String("player_id", req.PlayerID),
		zap.Int("position", status.Position),
		zap.Int64("queue_size", status.QueueSize))
	return status, nil
}

// Leave removes a player from the queue. Any proposal they were part of is
// withdrawn and the opponent, who keeps their place, is told.
func (s *Service) Leave(ctx context.Context, req LeaveRequest) error {
	if req.ConnectionRef != "" {
		entry, err := s.queue.Entry(ctx, req.PlayerID)
		if err != nil {
			return err
		}
		if entry != nil && entry.ConnectionRef != req.ConnectionRef {
			s.logger.Debug("stale disconnect leave ignored",
				zap.String("player_id", req.PlayerID),
				zap.String("connection_ref", req.ConnectionRef))
			return nil
		}
	}

	if _, err := s.queue.Dequeue(ctx, req.PlayerID); err != nil {
		return err
	}

	s.withdrawProposals(ctx, req.PlayerID)

	s.notify(req.PlayerID, protocol.TypeQueueLeft, protocol.QueueLeftMsg{})
	s.updateQueueGauge(ctx)
	s.logger.Info("player left queue", zap.String("player_id", req.PlayerID))
	return nil
}

// withdrawProposals deletes every session playerID is part of. Opponents
// of a still-pending proposal keep their place and are told it is off.
func (s *Service) withdrawProposals(ctx context.Context, playerID string) {
	withdrawn, err := s.coordinator.DeleteSessionsForPlayer(ctx, playerID)
	if err != nil {
		s.logger.Warn("withdraw sessions failed", zap.String("player_id", playerID), zap.Error(err))
	}
	for i := range withdrawn {
		sess := &withdrawn[i]
		if sess.State(s.coordinator.now()) != StatePending {
			continue
		}
		s.notify(sess.Opponent(playerID), protocol.TypeMatchRejected, protocol.MatchRejectedMsg{
			MatchID:           sess.MatchID,
			RejectingPlayerID: playerID,
		})
		s.record(sess.MatchID, history.OutcomeRejected, playerID)
		metrics.MatchesTotal.WithLabelValues(history.OutcomeRejected).Inc()
	}
}

// Reconnect points a queued player at their new connection without
// changing their place, then replays their status and any open proposal.
func (s *Service) Reconnect(ctx context.Context, req ReconnectRequest) error {
	if _, err := s.queue.Reconnect(ctx, req.PlayerID, req.ConnectionRef); err != nil {
		if errors.Is(err, ErrNotQueued) {
			return nil
		}
		return err
	}

	status, err := s.queue.Status(ctx, req.PlayerID)
	if err != nil {
		return err
	}
	s.notify(req.PlayerID, protocol.TypeQueueStatus, queueStatusMsg(status))

	sess, err := s.coordinator.SessionForPlayer(ctx, req.PlayerID)
	if err != nil {
		return err
	}
	if sess != nil {
		s.notify(req.PlayerID, protocol.TypeMatchProposed, proposedMsg(sess, req.PlayerID))
		s.notify(req.PlayerID, protocol.TypeMatchAcceptanceUpdate, acceptanceUpdateMsg(sess))
	}
	s.logger.Info("player reconnected",
		zap.String("player_id", req.PlayerID),
		zap.Int("position", status.Position))
	return nil
}

// Accept records a player's acceptance. The call that writes the second
// acceptance confirms the match: both players leave the queue and are sent
// to the game room. Accepting after the deadline expires the session.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (*AcceptResult, error) {
	result, err := s.coordinator.Accept(ctx, req.MatchID, req.PlayerID)
	switch {
	case errors.Is(err, ErrSessionExpired):
		if result != nil && result.Session != nil {
			s.handleExpired(ctx, result.Session, req.PlayerID)
		}
		return result, err
	case err != nil:
		s.notifyError(req.PlayerID, errorCode(err), err.Error())
		return result, err
	}

	if s.penalties != nil {
		if err := s.penalties.Reset(ctx, req.PlayerID); err != nil {
			s.logger.Warn("reset timeout count failed", zap.String("player_id", req.PlayerID), zap.Error(err))
		}
	}

	if result.BothAccepted && result.Committed {
		s.confirm(ctx, result.Session)
		return result, nil
	}

	update := acceptanceUpdateMsg(result.Session)
	s.notify(result.Session.Player1ID, protocol.TypeMatchAcceptanceUpdate, update)
	s.notify(result.Session.Player2ID, protocol.TypeMatchAcceptanceUpdate, update)
	return result, nil
}

func (s *Service) confirm(ctx context.Context, sess *AcceptanceSession) {
	for _, id := range []string{sess.Player1ID, sess.Player2ID} {
		if _, err := s.queue.Dequeue(ctx, id); err != nil {
			s.logger.Warn("dequeue confirmed player failed", zap.String("player_id", id), zap.Error(err))
		}
	}
	if err := s.coordinator.DeleteSession(ctx, sess.MatchID); err != nil {
		s.logger.Warn("delete confirmed session failed", zap.String("match_id", sess.MatchID), zap.Error(err))
	}

	for _, id := range []string{sess.Player1ID, sess.Player2ID} {
		s.notify(id, protocol.TypeMatchConfirmed, protocol.MatchConfirmedMsg{
			MatchID:    sess.MatchID,
			GameRoomID: sess.GameRoomID,
			OpponentID: sess.Opponent(id),
			Message:    msgMatchConfirmed,
		})
	}

	s.record(sess.MatchID, history.OutcomeConfirmed, "")
	metrics.MatchesTotal.WithLabelValues(history.OutcomeConfirmed).Inc()
	s.updateQueueGauge(ctx)
	s.logger.Info("match confirmed",
		zap.String("match_id", sess.MatchID),
		zap.String("game_room_id", sess.GameRoomID),
		zap.String("player1_id", sess.Player1ID),
		zap.String("player2_id", sess.Player2ID))
}

// Reject ends a proposal. The session is deleted first and the rejecting
// player is then moved to the tail of the queue; the opponent keeps their
// place and becomes matchable again on the next pass.
func (s *Service) Reject(ctx context.Context, req RejectRequest) error {
	result, err := s.coordinator.Reject(ctx, req.MatchID, req.PlayerID)
	if err != nil {
		s.notifyError(req.PlayerID, errorCode(err), err.Error())
		return err
	}
	sess := result.Session

	if err := s.coordinator.DeleteSession(ctx, sess.MatchID); err != nil {
		return err
	}
	if s.penalties != nil {
		if err := s.penalties.Reset(ctx, req.PlayerID); err != nil {
			s.logger.Warn("reset timeout count failed", zap.String("player_id", req.PlayerID), zap.Error(err))
		}
	}

	entry, err := s.queue.Entry(ctx, req.PlayerID)
	if err != nil {
		return err
	}
	if entry != nil {
		status, err := s.queue.Requeue(ctx, req.PlayerID, entry.ConnectionRef, entry.Metadata)
		if err != nil {
			return err
		}
		s.notify(req.PlayerID, protocol.TypeQueueStatus, queueStatusMsg(status))
	}

	msg := protocol.MatchRejectedMsg{MatchID: sess.MatchID, RejectingPlayerID: req.PlayerID}
	s.notify(sess.Player1ID, protocol.TypeMatchRejected, msg)
	s.notify(sess.Player2ID, protocol.TypeMatchRejected, msg)

	s.record(sess.MatchID, history.OutcomeRejected, req.PlayerID)
	metrics.MatchesTotal.WithLabelValues(history.OutcomeRejected).Inc()
	s.logger.Info("match rejected",
		zap.String("match_id", sess.MatchID),
		zap.String("rejected_by", req.PlayerID))
	return nil
}

// ---------------------------------------------------------------------------
// Pairing
// ---------------------------------------------------------------------------

// RunPairingPass proposes matches until fewer than two eligible players
// remain, then refreshes everyone's queue status. It returns the sessions
// it created.
func (s *Service) RunPairingPass(ctx context.Context) ([]*AcceptanceSession, error) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	start := time.Now()
	defer func() { metrics.PairingDuration.Observe(time.Since(start).Seconds()) }()

	var proposed []*AcceptanceSession
	for ctx.Err() == nil {
		candidate, err := s.engine.FindMatch(ctx)
		if err != nil {
			return proposed, err
		}
		if candidate == nil {
			break
		}
		sess, err := s.propose(ctx, candidate)
		if errors.Is(err, ErrPlayerBusy) {
			// Another instance claimed one of them since we listed the queue.
			s.logger.Debug("pairing lost to another instance",
				zap.String("player1_id", candidate.First.PlayerID),
				zap.String("player2_id", candidate.Second.PlayerID))
			break
		}
		if err != nil {
			return proposed, err
		}
		proposed = append(proposed, sess)
	}

	if len(proposed) > 0 {
		s.broadcastStatuses(ctx)
	}
	return proposed, nil
}

func (s *Service) propose(ctx context.Context, candidate *MatchCandidate) (*AcceptanceSession, error) {
	matchID := s.newMatchID()
	sess, err := s.coordinator.CreateSession(ctx, matchID, candidate.First, candidate.Second, "")
	if err != nil {
		return nil, err
	}

	if roomID, err := s.createGameRoom(ctx, matchID, candidate); err != nil {
		s.logger.Warn("game room unavailable, using match id",
			zap.String("match_id", matchID), zap.Error(err))
	} else if roomID != matchID {
		updated, err := s.coordinator.AttachGameRoom(ctx, matchID, roomID)
		if err != nil {
			s.logger.Warn("attach game room failed", zap.String("match_id", matchID), zap.Error(err))
		} else {
			sess = updated
		}
	}

	s.notify(sess.Player1ID, protocol.TypeMatchProposed, proposedMsg(sess, sess.Player1ID))
	s.notify(sess.Player2ID, protocol.TypeMatchProposed, proposedMsg(sess, sess.Player2ID))

	if err := s.recorder.RecordProposed(ctx, history.Proposal{
		MatchID:    sess.MatchID,
		Player1ID:  sess.Player1ID,
		Player2ID:  sess.Player2ID,
		GameRoomID: sess.GameRoomID,
	}); err != nil {
		s.logger.Warn("record proposal failed", zap.String("match_id", sess.MatchID), zap.Error(err))
	}

	now := time.Now().UnixMilli()
	for _, entry := range []QueueEntry{candidate.First, candidate.Second} {
		metrics.QueueWait.Observe(float64(now-entry.JoinedAt) / 1000)
	}
	metrics.MatchesTotal.WithLabelValues(history.OutcomeProposed).Inc()
	s.logger.Info("match proposed",
		zap.String("match_id", sess.MatchID),
		zap.String("game_room_id", sess.GameRoomID),
		zap.String("player1_id", sess.Player1ID),
		zap.String("player2_id", sess.Player2ID))
	return sess, nil
}

func (s *Service) createGameRoom(ctx context.Context, matchID string, candidate *MatchCandidate) (string, error) {
	if s.rooms == nil {
		return matchID, nil
	}
	players := []gameroom.Player{
		{UserID: candidate.First.PlayerID, HeroID: s.heroID(candidate.First)},
		{UserID: candidate.Second.PlayerID, HeroID: s.heroID(candidate.Second)},
	}
	roomID, err := s.rooms.CreateGameRoom(ctx, matchID, players)
	if err != nil {
		metrics.GameRoomRequests.WithLabelValues("error").Inc()
		return matchID, fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	metrics.GameRoomRequests.WithLabelValues("ok").Inc()
	return roomID, nil
}

func (s *Service) heroID(entry QueueEntry) string {
	if hero := entry.Metadata["hero_id"]; hero != "" {
		return hero
	}
	return s.config.DefaultHeroID
}

func (s *Service) broadcastStatuses(ctx context.Context) {
	statuses, err := s.queue.AllStatuses(ctx)
	if err != nil {
		s.logger.Warn("list queue statuses failed", zap.Error(err))
		return
	}
	for playerID, status := range statuses {
		s.notify(playerID, protocol.TypeQueueStatus, queueStatusMsg(status))
	}
	metrics.MatchQueueSize.Set(float64(len(statuses)))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Service) notify(playerID, msgType string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(playerID, msgType, payload); err != nil {
		s.logger.Warn("notify failed",
			zap.String("player_id", playerID),
			zap.String("type", msgType),
			zap.Error(err))
	}
}

func (s *Service) notifyError(playerID, code, message string) {
	s.notify(playerID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (s *Service) record(matchID, outcome, decidedBy string) {
	if err := s.recorder.RecordOutcome(s.ctx, matchID, outcome, decidedBy); err != nil {
		s.logger.Warn("record outcome failed",
			zap.String("match_id", matchID),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}

func (s *Service) updateQueueGauge(ctx context.Context) {
	if size, err := s.queue.Size(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(size))
	}
}

func proposedMsg(sess *AcceptanceSession, playerID string) protocol.MatchProposedMsg {
	return protocol.MatchProposedMsg{
		MatchID:    sess.MatchID,
		GameRoomID: sess.GameRoomID,
		OpponentID: sess.Opponent(playerID),
		ExpiresAt:  sess.ExpiresAt,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, ErrSessionExpired):
		return protocol.CodeSessionExpired
	case errors.Is(err, ErrNotParticipant):
		return protocol.CodeNotParticipant
	case errors.Is(err, ErrSessionRejected), errors.Is(err, ErrSessionConfirmed):
		return protocol.CodeSessionClosed
	case errors.Is(err, ErrTransientStoreFailure):
		return protocol.CodeTryAgain
	default:
		return protocol.CodeInternal
	}
}
