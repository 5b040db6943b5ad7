package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/store"
)

const (
	keySessionPrefix = "match:acceptance:" // + <match_id> -> JSON string
	keyClaimPrefix   = "match:claim:"      // + <player_id> -> match_id of their pending session

	DefaultAcceptanceWindow = 20 * time.Second
	DefaultTTLBuffer        = 5 * time.Second
)

// SessionState is derived from the flags and the clock; it is never stored.
type SessionState string

const (
	StatePending   SessionState = "pending"
	StateConfirmed SessionState = "confirmed"
	StateRejected  SessionState = "rejected"
	StateExpired   SessionState = "expired"
)

// AcceptanceSession is the pending agreement between two paired players.
// Accepted flags only ever go from false to true.
type AcceptanceSession struct {
	MatchID         string `json:"match_id"`
	GameRoomID      string `json:"game_room_id"`
	Player1ID       string `json:"player1_id"`
	Player2ID       string `json:"player2_id"`
	Player1Conn     string `json:"player1_conn"`
	Player2Conn     string `json:"player2_conn"`
	Player1Accepted bool   `json:"player1_accepted"`
	Player2Accepted bool   `json:"player2_accepted"`
	Player1Rejected bool   `json:"player1_rejected"`
	Player2Rejected bool   `json:"player2_rejected"`
	CreatedAt       int64  `json:"created_at"` // unix ms
	ExpiresAt       int64  `json:"expires_at"` // unix ms
}

// State returns the session state as of now.
func (s *AcceptanceSession) State(now time.Time) SessionState {
	switch {
	case s.Player1Accepted && s.Player2Accepted:
		return StateConfirmed
	case s.Player1Rejected || s.Player2Rejected:
		return StateRejected
	case now.UnixMilli() > s.ExpiresAt:
		return StateExpired
	default:
		return StatePending
	}
}

// IsParticipant reports whether playerID is one of the two players.
func (s *AcceptanceSession) IsParticipant(playerID string) bool {
	return playerID == s.Player1ID || playerID == s.Player2ID
}

// Opponent returns the other player's ID.
func (s *AcceptanceSession) Opponent(playerID string) string {
	if playerID == s.Player1ID {
		return s.Player2ID
	}
	return s.Player1ID
}

// HasAccepted reports whether playerID has accepted.
func (s *AcceptanceSession) HasAccepted(playerID string) bool {
	if playerID == s.Player1ID {
		return s.Player1Accepted
	}
	return playerID == s.Player2ID && s.Player2Accepted
}

// BothAccepted reports whether the session is confirmed.
func (s *AcceptanceSession) BothAccepted() bool {
	return s.Player1Accepted && s.Player2Accepted
}

// RejectedBy returns the ID of the player who rejected, if any.
func (s *AcceptanceSession) RejectedBy() string {
	switch {
	case s.Player1Rejected:
		return s.Player1ID
	case s.Player2Rejected:
		return s.Player2ID
	}
	return ""
}

// AcceptResult is the outcome of Accept.
type AcceptResult struct {
	Accepted     bool
	BothAccepted bool
	Expired      bool
	Committed    bool // this call wrote the player's flag; false for repeats
	Session      *AcceptanceSession
}

// RejectResult is the outcome of Reject.
type RejectResult struct {
	Rejected bool
	Session  *AcceptanceSession
}

// CoordinatorConfig configures the acceptance window and accept retries.
type CoordinatorConfig struct {
	Window    time.Duration
	TTLBuffer time.Duration
	Retry     store.RetryPolicy
}

// DefaultCoordinatorConfig returns a 20s window, 5s TTL buffer, 5 x 100ms retries.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Window:    DefaultAcceptanceWindow,
		TTLBuffer: DefaultTTLBuffer,
		Retry:     store.DefaultRetryPolicy(),
	}
}

// Coordinator owns the acceptance session life cycle. Every mutation of a
// session record that can race with another accept goes through
// store.RunOptimisticUpdate.
type Coordinator struct {
	rdb    *redis.Client
	config CoordinatorConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(rdb *redis.Client, config CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if config.Window <= 0 {
		config.Window = DefaultAcceptanceWindow
	}
	if config.TTLBuffer < 0 {
		config.TTLBuffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{rdb: rdb, config: config, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Window returns the acceptance window.
func (c *Coordinator) Window() time.Duration {
	return c.config.Window
}

func sessionKey(matchID string) string {
	return keySessionPrefix + matchID
}

// CreateSession stores a new pending session for two paired players. An
// empty gameRoomID defaults to the match ID.
//
// Both players are claimed in the same transaction that writes the session.
// A player whose claim points at a session that is still pending cannot be
// claimed again, so concurrent pairing passes on different instances can
// never put one player into two live sessions; the loser gets ErrPlayerBusy.
// Claims that outlive their session are ignored and expire with the same TTL.
func (c *Coordinator) CreateSession(ctx context.Context, matchID string, first, second QueueEntry, gameRoomID string) (*AcceptanceSession, error) {
	if first.PlayerID == second.PlayerID {
		return nil, fmt.Errorf("matchmaking: create session %s: player %s paired with themselves", matchID, first.PlayerID)
	}
	if gameRoomID == "" {
		gameRoomID = matchID
	}
	now := c.now()
	sess := &AcceptanceSession{
		MatchID:     matchID,
		GameRoomID:  gameRoomID,
		Player1ID:   first.PlayerID,
		Player2ID:   second.PlayerID,
		Player1Conn: first.ConnectionRef,
		Player2Conn: second.ConnectionRef,
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(c.config.Window).UnixMilli(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("matchmaking: marshal session %s: %w", matchID, err)
	}

	key := sessionKey(matchID)
	claim1, claim2 := keyClaimPrefix+first.PlayerID, keyClaimPrefix+second.PlayerID
	ttl := c.config.Window + c.config.TTLBuffer

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("matchmaking: create session %s: match id already in use", matchID)
		}
		for _, claim := range []string{claim1, claim2} {
			busy, err := c.claimLive(ctx, tx, claim, now)
			if err != nil {
				return err
			}
			if busy {
				return ErrPlayerBusy
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.Set(ctx, claim1, matchID, ttl)
			pipe.Set(ctx, claim2, matchID, ttl)
			return nil
		})
		return err
	}, key, claim1, claim2)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrPlayerBusy
	}
	if errors.Is(err, ErrPlayerBusy) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("matchmaking: create session %s: %w", matchID, err)
	}
	return sess, nil
}

// claimLive reports whether the claim key points at a session that is
// still pending.
func (c *Coordinator) claimLive(ctx context.Context, tx *redis.Tx, claim string, now time.Time) (bool, error) {
	matchID, err := tx.Get(ctx, claim).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sess, err := readSession(ctx, tx, sessionKey(matchID))
	if err != nil {
		return false, err
	}
	return sess != nil && sess.State(now) == StatePending, nil
}

// AttachGameRoom records the downstream room ID on a session. The update is
// optimistic so it never clobbers a concurrent accept.
func (c *Coordinator) AttachGameRoom(ctx context.Context, matchID, gameRoomID string) (*AcceptanceSession, error) {
	key := sessionKey(matchID)
	var updated *AcceptanceSession

	_, err := store.RunOptimisticUpdate(ctx, c.rdb, key, c.config.Retry, func(ctx context.Context, tx *redis.Tx) error {
		updated = nil
		sess, err := readSession(ctx, tx, key)
		if err != nil || sess == nil {
			return err
		}
		sess.GameRoomID = gameRoomID
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		updated = sess
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("matchmaking: attach game room %s: %w", matchID, err)
	}
	if updated == nil {
		return nil, ErrSessionNotFound
	}
	return updated, nil
}

// Session returns the stored session, or nil when it does not exist.
func (c *Coordinator) Session(ctx context.Context, matchID string) (*AcceptanceSession, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(matchID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matchmaking: get session %s: %w", matchID, err)
	}
	return decodeSession(raw)
}

// Accept records playerID's acceptance.
//
// The write is optimistic: the record is read under WATCH, the player's flag
// is set, the record is read once more immediately before commit and the
// other player's flag is OR-merged from both reads, then the write commits
// only if nobody else wrote in between. A lost race retries from scratch.
// Repeating an accept is a no-op that returns the current state. A session
// past its deadline is deleted and reported as expired, even if the other
// player already accepted.
func (c *Coordinator) Accept(ctx context.Context, matchID, playerID string) (*AcceptResult, error) {
	key := sessionKey(matchID)
	var result *AcceptResult
	var outcome error

	_, err := store.RunOptimisticUpdate(ctx, c.rdb, key, c.config.Retry, func(ctx context.Context, tx *redis.Tx) error {
		result, outcome = nil, nil

		sess, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if sess == nil {
			outcome = ErrSessionNotFound
			return nil
		}
		if !sess.IsParticipant(playerID) {
			outcome = ErrNotParticipant
			return nil
		}

		state := sess.State(c.now())
		if state == StateExpired {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			}); err != nil {
				return err
			}
			result = &AcceptResult{Expired: true, Session: sess}
			outcome = ErrSessionExpired
			return nil
		}
		if sess.HasAccepted(playerID) {
			result = &AcceptResult{Accepted: true, BothAccepted: sess.BothAccepted(), Session: sess}
			return nil
		}
		if state == StateRejected {
			result = &AcceptResult{Session: sess}
			outcome = ErrSessionRejected
			return nil
		}

		if playerID == sess.Player1ID {
			sess.Player1Accepted = true
		} else {
			sess.Player2Accepted = true
		}

		fresh, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if fresh == nil {
			outcome = ErrSessionNotFound
			return nil
		}
		sess.Player1Accepted = sess.Player1Accepted || fresh.Player1Accepted
		sess.Player2Accepted = sess.Player2Accepted || fresh.Player2Accepted

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if errors.Is(err, redis.Nil) {
			outcome = ErrSessionNotFound
			return nil
		}
		if err != nil {
			return err
		}

		result = &AcceptResult{Accepted: true, BothAccepted: sess.BothAccepted(), Committed: true, Session: sess}
		return nil
	}, func(key string, attempt int) {
		metrics.AcceptConflicts.Inc()
		c.logger.Debug("accept lost race, retrying",
			zap.String("match_id", matchID),
			zap.String("player_id", playerID),
			zap.Int("attempt", attempt))
	})

	if errors.Is(err, store.ErrConflict) {
		c.logger.Warn("accept retries exhausted",
			zap.String("match_id", matchID),
			zap.String("player_id", playerID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTransientStoreFailure, err)
	}
	if err != nil {
		return nil, fmt.Errorf("matchmaking: accept %s: %w", matchID, err)
	}
	if outcome != nil {
		return result, outcome
	}
	return result, nil
}

// Reject records playerID's rejection.
//
// Rejection only ever sets the caller's own flag, so there is nothing to
// merge, but the write still runs under WATCH: an accept that commits
// between the read and the write aborts it, and the fresh read then decides
// the outcome. A session the opponent has just confirmed therefore reports
// ErrSessionConfirmed instead of being flipped to rejected. The write uses
// SET XX so a record deleted meanwhile is never recreated without its TTL.
func (c *Coordinator) Reject(ctx context.Context, matchID, playerID string) (*RejectResult, error) {
	key := sessionKey(matchID)
	var result *RejectResult
	var outcome error

	_, err := store.RunOptimisticUpdate(ctx, c.rdb, key, c.config.Retry, func(ctx context.Context, tx *redis.Tx) error {
		result, outcome = nil, nil

		sess, err := readSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if sess == nil {
			outcome = ErrSessionNotFound
			return nil
		}
		if !sess.IsParticipant(playerID) {
			outcome = ErrNotParticipant
			return nil
		}

		switch sess.State(c.now()) {
		case StateExpired:
			result, outcome = &RejectResult{Session: sess}, ErrSessionExpired
			return nil
		case StateConfirmed:
			result, outcome = &RejectResult{Session: sess}, ErrSessionConfirmed
			return nil
		case StateRejected:
			result = &RejectResult{Rejected: true, Session: sess}
			return nil
		}

		if playerID == sess.Player1ID {
			sess.Player1Rejected = true
		} else {
			sess.Player2Rejected = true
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if errors.Is(err, redis.Nil) {
			outcome = ErrSessionNotFound
			return nil
		}
		if err != nil {
			return err
		}
		result = &RejectResult{Rejected: true, Session: sess}
		return nil
	}, func(key string, attempt int) {
		c.logger.Debug("reject lost race, re-reading",
			zap.String("match_id", matchID),
			zap.String("player_id", playerID),
			zap.Int("attempt", attempt))
	})

	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrTransientStoreFailure, err)
	}
	if err != nil {
		return nil, fmt.Errorf("matchmaking: reject %s: %w", matchID, err)
	}
	return result, outcome
}

// SessionForPlayer finds the pending session playerID is part of, if any.
func (c *Coordinator) SessionForPlayer(ctx context.Context, playerID string) (*AcceptanceSession, error) {
	sessions, err := c.scanSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for _, sess := range sessions {
		if sess.IsParticipant(playerID) && sess.State(now) == StatePending {
			return sess, nil
		}
	}
	return nil, nil
}

// DeleteSession removes a session record.
func (c *Coordinator) DeleteSession(ctx context.Context, matchID string) error {
	if err := c.rdb.Del(ctx, sessionKey(matchID)).Err(); err != nil {
		return fmt.Errorf("matchmaking: delete session %s: %w", matchID, err)
	}
	return nil
}

// DeleteSessionsForPlayer removes every session playerID is part of and
// returns what was removed.
func (c *Coordinator) DeleteSessionsForPlayer(ctx context.Context, playerID string) ([]AcceptanceSession, error) {
	sessions, err := c.scanSessions(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []AcceptanceSession
	for _, sess := range sessions {
		if !sess.IsParticipant(playerID) {
			continue
		}
		n, err := c.rdb.Del(ctx, sessionKey(sess.MatchID)).Result()
		if err != nil {
			return deleted, fmt.Errorf("matchmaking: delete session %s: %w", sess.MatchID, err)
		}
		if n > 0 {
			deleted = append(deleted, *sess)
		}
	}
	return deleted, nil
}

// SweepExpired deletes every expired session and returns a snapshot of each
// one taken before deletion. Deletion is conditional on the record being
// unchanged since it was read, so a late accept that lands first wins and
// two sweepers never both report the same session. Confirmed sessions are
// never touched.
func (c *Coordinator) SweepExpired(ctx context.Context) ([]AcceptanceSession, error) {
	keys, err := store.ScanKeys(ctx, c.rdb, keySessionPrefix+"*")
	if err != nil {
		return nil, err
	}

	var expired []AcceptanceSession
	for _, key := range keys {
		var snapshot *AcceptanceSession
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			sess, err := readSession(ctx, tx, key)
			if err != nil || sess == nil {
				return err
			}
			if sess.State(c.now()) != StateExpired {
				return nil
			}
			var del *redis.IntCmd
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				del = pipe.Del(ctx, key)
				return nil
			}); err != nil {
				return err
			}
			if del.Val() > 0 {
				snapshot = sess
			}
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // changed under us; the next sweep re-evaluates it
		}
		if err != nil {
			c.logger.Warn("sweep session failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if snapshot != nil {
			expired = append(expired, *snapshot)
		}
	}
	return expired, nil
}

func (c *Coordinator) scanSessions(ctx context.Context) ([]*AcceptanceSession, error) {
	keys, err := store.ScanKeys(ctx, c.rdb, keySessionPrefix+"*")
	if err != nil {
		return nil, err
	}
	sessions := make([]*AcceptanceSession, 0, len(keys))
	for _, key := range keys {
		raw, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("matchmaking: read %s: %w", key, err)
		}
		sess, err := decodeSession(raw)
		if err != nil {
			c.logger.Warn("skipping unreadable session", zap.String("key", key), zap.Error(err))
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func readSession(ctx context.Context, tx *redis.Tx, key string) (*AcceptanceSession, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

func decodeSession(raw string) (*AcceptanceSession, error) {
	var sess AcceptanceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("matchmaking: decode session: %w", err)
	}
	return &sess, nil
}
