package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, "m1", "p1", "p2")

	assert.Equal(t, "m1", sess.GameRoomID)
	assert.Equal(t, testEpoch.UnixMilli(), sess.CreatedAt)
	assert.Equal(t, testEpoch.Add(20*time.Second).UnixMilli(), sess.ExpiresAt)
	assert.Equal(t, StatePending, sess.State(f.clock.Now()))
	assert.Equal(t, 25*time.Second, f.mr.TTL(sessionKey("m1")))

	stored, err := f.coord.Session(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, sess, stored)
}

func TestCreateSession_StoredAsSnakeCaseJSON(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "m1", "p1", "p2")

	raw, err := f.mr.Get(sessionKey("m1"))
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	assert.Equal(t, "p1", fields["player1_id"])
	assert.Equal(t, false, fields["player2_accepted"])
}

func TestCreateSession_PlayerAlreadyInPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	_, err := f.coord.CreateSession(ctx, "m2", QueueEntry{PlayerID: "p3"}, QueueEntry{PlayerID: "p2"}, "")
	assert.ErrorIs(t, err, ErrPlayerBusy)
	assert.False(t, f.mr.Exists(sessionKey("m2")))

	// Once m1 is resolved the stale claim no longer blocks p2.
	_, err = f.coord.Reject(ctx, "m1", "p1")
	require.NoError(t, err)
	_, err = f.coord.CreateSession(ctx, "m2", QueueEntry{PlayerID: "p3"}, QueueEntry{PlayerID: "p2"}, "")
	assert.NoError(t, err)
}

func TestCreateSession_ExpiredClaimIsReleased(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "m1", "p1", "p2")
	f.clock.Advance(21 * time.Second)

	_, err := f.coord.CreateSession(context.Background(), "m2", QueueEntry{PlayerID: "p1"}, QueueEntry{PlayerID: "p3"}, "")
	assert.NoError(t, err)
}

func TestCreateSession_ConcurrentOverlapNeverDoubleBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every racer wants p1; each brings a different partner.
			_, errs[i] = f.coord.CreateSession(ctx, fmt.Sprintf("m%d", i),
				QueueEntry{PlayerID: "p1"}, QueueEntry{PlayerID: fmt.Sprintf("q%d", i)}, "")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, ErrPlayerBusy)
		}
	}
	assert.Equal(t, 1, created)

	sessions, err := f.coord.scanSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestCreateSession_SamePlayerTwice(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.CreateSession(context.Background(), "m1", QueueEntry{PlayerID: "p1"}, QueueEntry{PlayerID: "p1"}, "")
	assert.Error(t, err)
}

func TestAccept_BothPlayersConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	res, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.BothAccepted)
	assert.True(t, res.Committed)

	res, err = f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.BothAccepted)
	assert.True(t, res.Committed)
	assert.Equal(t, StateConfirmed, res.Session.State(f.clock.Now()))

	// The record keeps the TTL it was created with.
	assert.Equal(t, 25*time.Second, f.mr.TTL(sessionKey("m1")))
}

func TestAccept_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	first, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)
	second, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)

	assert.Equal(t, first.BothAccepted, second.BothAccepted)
	assert.True(t, first.Committed)
	assert.False(t, second.Committed, "a repeated accept must not write")

	_, err = f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)
	again, err := f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)
	assert.True(t, again.BothAccepted)
	assert.False(t, again.Committed)
}

func TestAccept_ConcurrentDuplicatesKeepOpponentFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*AcceptResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.Accept(ctx, "m1", "p1")
		}(i)
	}
	wg.Wait()

	committed := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].BothAccepted)
		if results[i].Committed {
			committed++
		}
	}
	assert.Equal(t, 1, committed)

	stored, err := f.coord.Session(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, stored.Player1Accepted)
	assert.True(t, stored.Player2Accepted)
}

func TestAccept_ConcurrentPlayersConfirmExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		matchID := fmt.Sprintf("m%d", round)
		f.createSession(t, matchID, fmt.Sprintf("a%d", round), fmt.Sprintf("b%d", round))

		var wg sync.WaitGroup
		results := make([]*AcceptResult, 2)
		errs := make([]error, 2)
		for i, player := range []string{fmt.Sprintf("a%d", round), fmt.Sprintf("b%d", round)} {
			wg.Add(1)
			go func(i int, player string) {
				defer wg.Done()
				results[i], errs[i] = f.coord.Accept(ctx, matchID, player)
			}(i, player)
		}
		wg.Wait()

		confirmations := 0
		for i := range results {
			require.NoError(t, errs[i])
			if results[i].BothAccepted && results[i].Committed {
				confirmations++
			}
		}
		assert.Equal(t, 1, confirmations, "round %d", round)

		stored, err := f.coord.Session(ctx, matchID)
		require.NoError(t, err)
		assert.True(t, stored.BothAccepted(), "round %d lost an accept", round)
	}
}

func TestAccept_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	f.clock.Advance(21 * time.Second)

	res, err := f.coord.Accept(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionExpired)
	require.NotNil(t, res)
	assert.False(t, res.Accepted)
	assert.True(t, res.Expired)
	assert.False(t, f.mr.Exists(sessionKey("m1")), "expired session must be deleted")

	_, err = f.coord.Accept(ctx, "m1", "p2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAccept_AfterDeadlineEvenWhenOpponentAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)
	f.clock.Advance(20*time.Second + time.Millisecond)

	res, err := f.coord.Accept(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, res.BothAccepted)
}

func TestAccept_UnknownSessionAndStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Accept(ctx, "nope", "p1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	f.createSession(t, "m1", "p1", "p2")
	_, err = f.coord.Accept(ctx, "m1", "p9")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestAccept_AfterReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	_, err := f.coord.Reject(ctx, "m1", "p2")
	require.NoError(t, err)

	res, err := f.coord.Accept(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionRejected)
	assert.False(t, res.Accepted)
}

func TestReject_MarksRejector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	res, err := f.coord.Reject(ctx, "m1", "p2")
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.True(t, res.Session.Player2Rejected)
	assert.False(t, res.Session.Player1Rejected)
	assert.Equal(t, "p2", res.Session.RejectedBy())

	stored, err := f.coord.Session(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, stored.State(f.clock.Now()))
	assert.Equal(t, 25*time.Second, f.mr.TTL(sessionKey("m1")))

	// Repeating is harmless.
	res, err = f.coord.Reject(ctx, "m1", "p2")
	require.NoError(t, err)
	assert.True(t, res.Rejected)
}

func TestReject_LosesToAcceptCommittedMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)

	// p2's accept lands on another instance between Reject's read and write.
	_, other := f.peer(t)
	var confirm *AcceptResult
	f.interleave(commandOn("set", sessionKey("m1")), func() {
		confirm, err = other.Accept(ctx, "m1", "p2")
		require.NoError(t, err)
	})

	res, rejectErr := f.coord.Reject(ctx, "m1", "p1")
	require.NotNil(t, confirm)
	assert.True(t, confirm.Committed)
	assert.True(t, confirm.BothAccepted)
	assert.ErrorIs(t, rejectErr, ErrSessionConfirmed)
	require.NotNil(t, res)
	assert.False(t, res.Rejected)

	stored, err := f.coord.Session(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, stored.Player1Accepted)
	assert.True(t, stored.Player2Accepted)
	assert.False(t, stored.Player1Rejected)
	assert.Equal(t, StateConfirmed, stored.State(f.clock.Now()))
	assert.Equal(t, 25*time.Second, f.mr.TTL(sessionKey("m1")))
}

func TestReject_DeletedMeanwhileIsNotRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	_, other := f.peer(t)
	f.interleave(commandOn("set", sessionKey("m1")), func() {
		require.NoError(t, other.DeleteSession(ctx, "m1"))
	})

	_, err := f.coord.Reject(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, f.mr.Exists(sessionKey("m1")))
}

func TestReject_TerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)
	_, err = f.coord.Accept(ctx, "m1", "p2")
	require.NoError(t, err)
	_, err = f.coord.Reject(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionConfirmed)

	f.createSession(t, "m2", "p3", "p4")
	f.clock.Advance(21 * time.Second)
	_, err = f.coord.Reject(ctx, "m2", "p3")
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.coord.Reject(ctx, "missing", "p3")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionForPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")

	sess, err := f.coord.SessionForPlayer(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "m1", sess.MatchID)

	sess, err = f.coord.SessionForPlayer(ctx, "p3")
	require.NoError(t, err)
	assert.Nil(t, sess)

	f.clock.Advance(21 * time.Second)
	sess, err = f.coord.SessionForPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, sess, "expired sessions do not count")
}

func TestAttachGameRoom_KeepsFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)

	sess, err := f.coord.AttachGameRoom(ctx, "m1", "room-42")
	require.NoError(t, err)
	assert.Equal(t, "room-42", sess.GameRoomID)
	assert.True(t, sess.Player1Accepted)

	_, err = f.coord.AttachGameRoom(ctx, "gone", "room-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionsForPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	f.createSession(t, "m2", "p3", "p4")

	deleted, err := f.coord.DeleteSessionsForPlayer(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "m1", deleted[0].MatchID)
	assert.False(t, f.mr.Exists(sessionKey("m1")))
	assert.True(t, f.mr.Exists(sessionKey("m2")))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSession(t, "old", "p1", "p2")
	_, err := f.coord.Accept(ctx, "old", "p1")
	require.NoError(t, err)

	f.createSession(t, "done", "p3", "p4")
	_, err = f.coord.Accept(ctx, "done", "p3")
	require.NoError(t, err)
	_, err = f.coord.Accept(ctx, "done", "p4")
	require.NoError(t, err)

	f.clock.Advance(15 * time.Second)
	f.createSession(t, "fresh", "p5", "p6")
	f.clock.Advance(6 * time.Second)

	expired, err := f.coord.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].MatchID)
	assert.True(t, expired[0].Player1Accepted, "snapshot is taken before deletion")

	assert.False(t, f.mr.Exists(sessionKey("old")))
	assert.True(t, f.mr.Exists(sessionKey("done")), "confirmed sessions are never swept")
	assert.True(t, f.mr.Exists(sessionKey("fresh")))

	expired, err = f.coord.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestAccept_RepeatAfterDeadlineIsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "m1", "p1", "p2")
	_, err := f.coord.Accept(ctx, "m1", "p1")
	require.NoError(t, err)
	f.clock.Advance(21 * time.Second)

	res, err := f.coord.Accept(ctx, "m1", "p1")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, res.Accepted)
}
