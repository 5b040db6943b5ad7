// Package history provides PostgreSQL-backed storage for matchmaking
// decisions: every proposed pairing and how it ended. It is an audit trail
// of the matchmaker, not of games.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Outcome values, matching the CHECK constraint on match_outcomes.
const (
	OutcomeProposed  = "proposed"
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeExpired   = "expired"
)

var validOutcomes = map[string]bool{
	OutcomeConfirmed: true,
	OutcomeRejected:  true,
	OutcomeExpired:   true,
}

// Proposal is the row written when a pairing is proposed.
type Proposal struct {
	MatchID    string
	Player1ID  string
	Player2ID  string
	GameRoomID string
}

// Store manages match outcome rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with a bounded pool and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("history: database URL is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// RecordProposed inserts a new row in the proposed state. Replaying the same
// match ID is a no-op.
func (s *Store) RecordProposed(ctx context.Context, p Proposal) error {
	const query = `
		INSERT INTO match_outcomes (match_id, player1_id, player2_id, game_room_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (match_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, p.MatchID, p.Player1ID, p.Player2ID, p.GameRoomID); err != nil {
		return fmt.Errorf("history: insert proposal: %w", err)
	}
	return nil
}

// RecordOutcome moves a proposed row to its final outcome. decidedBy is the
// rejecting player for rejections and empty otherwise. Rows already decided
// are left alone.
func (s *Store) RecordOutcome(ctx context.Context, matchID, outcome, decidedBy string) error {
	if !validOutcomes[outcome] {
		return fmt.Errorf("history: invalid outcome %q", outcome)
	}

	const query = `
		UPDATE match_outcomes
		SET outcome = $2, decided_by = NULLIF($3, ''), decided_at = NOW()
		WHERE match_id = $1 AND outcome = 'proposed'`

	if _, err := s.db.ExecContext(ctx, query, matchID, outcome, decidedBy); err != nil {
		return fmt.Errorf("history: update outcome: %w", err)
	}
	return nil
}

// CountRecent returns how many matches involving playerID ended with outcome
// within the given window.
func (s *Store) CountRecent(ctx context.Context, playerID, outcome string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM match_outcomes
		WHERE (player1_id = $1 OR player2_id = $1)
		  AND outcome = $2
		  AND created_at >= NOW() - ($3 * INTERVAL '1 second')`

	var count int
	err := s.db.QueryRowContext(ctx, query, playerID, outcome, int64(window.Seconds())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("history: count recent: %w", err)
	}
	return count, nil
}
