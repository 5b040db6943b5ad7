package matchmaking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLookup reports the listed players as busy and counts lookups.
type stubLookup struct {
	busy  map[string]bool
	err   error
	calls int
}

func (l *stubLookup) SessionForPlayer(_ context.Context, playerID string) (*AcceptanceSession, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if l.busy[playerID] {
		return &AcceptanceSession{MatchID: "busy-" + playerID}, nil
	}
	return nil, nil
}

func TestFindMatch_OldestTwo(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2", "p3")

	candidate, err := NewEngine(f.queue, f.coord, nil).FindMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "p1", candidate.First.PlayerID)
	assert.Equal(t, "p2", candidate.Second.PlayerID)
	assert.Less(t, candidate.First.JoinedAt, candidate.Second.JoinedAt)
	assert.Equal(t, "conn-p1", candidate.First.ConnectionRef)
}

func TestFindMatch_TooFewPlayers(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.queue, f.coord, nil)

	candidate, err := engine.FindMatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, candidate)

	f.enqueue(t, "p1")
	candidate, err = engine.FindMatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestFindMatch_SkipsPlayersInLiveSessions(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2", "p3")
	f.createSession(t, "m1", "p1", "p3")

	candidate, err := NewEngine(f.queue, f.coord, nil).FindMatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, candidate, "p2 is the only eligible player")

	f.enqueue(t, "p4")
	candidate, err = NewEngine(f.queue, f.coord, nil).FindMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "p2", candidate.First.PlayerID)
	assert.Equal(t, "p4", candidate.Second.PlayerID)
}

func TestFindMatch_ExpiredSessionFreesPlayers(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2")
	f.createSession(t, "m1", "p1", "p2")
	f.clock.Advance(21 * time.Second)

	candidate, err := NewEngine(f.queue, f.coord, nil).FindMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "p1", candidate.First.PlayerID)
}

func TestFindMatch_StopsAfterTwoEligible(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2", "p3", "p4", "p5")
	lookup := &stubLookup{busy: map[string]bool{"p2": true}}

	candidate, err := NewEngine(f.queue, lookup, nil).FindMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "p1", candidate.First.PlayerID)
	assert.Equal(t, "p3", candidate.Second.PlayerID)
	assert.Equal(t, 3, lookup.calls)
}

func TestFindMatch_LookupFailureTreatsPlayersAsEligible(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2")
	lookup := &stubLookup{err: errors.New("redis down")}

	candidate, err := NewEngine(f.queue, lookup, nil).FindMatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "p1", candidate.First.PlayerID)
	assert.Equal(t, "p2", candidate.Second.PlayerID)
}

func TestFindMatch_DoesNotMutateQueue(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "p1", "p2")

	_, err := NewEngine(f.queue, f.coord, nil).FindMatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, f.queuedIDs(t))
}
