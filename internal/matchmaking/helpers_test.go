package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arena/matchmaking/internal/gameroom"
	"github.com/arena/matchmaking/internal/history"
	"github.com/arena/matchmaking/internal/store"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock shared by the queue and coordinator.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	clock *testClock
	queue *Queue
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{now: testEpoch}
	queue := NewQueue(rdb, DefaultWaitPerPosition)
	queue.SetClock(clock.Now)

	coord := NewCoordinator(rdb, CoordinatorConfig{
		Window:    20 * time.Second,
		TTLBuffer: 5 * time.Second,
		Retry:     store.RetryPolicy{MaxRetries: 10, RetryDelay: time.Millisecond},
	}, nil)
	coord.SetClock(clock.Now)

	return &fixture{mr: mr, rdb: rdb, clock: clock, queue: queue, coord: coord}
}

// peer returns a queue and coordinator on a second connection to the same
// Redis, sharing f's clock. Writes through it count as another instance's.
func (f *fixture) peer(t *testing.T) (*Queue, *Coordinator) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	queue := NewQueue(rdb, DefaultWaitPerPosition)
	queue.SetClock(f.clock.Now)
	coord := NewCoordinator(rdb, f.coord.config, nil)
	coord.SetClock(f.clock.Now)
	return queue, coord
}

// interleave runs fn once, just before the first command sent through f.rdb
// that matches. Pipelined and transactional commands are matched one by one.
func (f *fixture) interleave(match func(cmd redis.Cmder) bool, fn func()) {
	var once sync.Once
	f.rdb.AddHook(interleaveHook{fire: func(cmd redis.Cmder) {
		if match(cmd) {
			once.Do(fn)
		}
	}})
}

// commandOn matches a command by name and first key.
func commandOn(name, key string) func(redis.Cmder) bool {
	return func(cmd redis.Cmder) bool {
		args := cmd.Args()
		return cmd.Name() == name && len(args) > 1 && args[1] == key
	}
}

func commandNamed(name string) func(redis.Cmder) bool {
	return func(cmd redis.Cmder) bool { return cmd.Name() == name }
}

type interleaveHook struct {
	fire func(cmd redis.Cmder)
}

func (h interleaveHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.fire(cmd)
		return next(ctx, cmd)
	}
}

func (h interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			h.fire(cmd)
		}
		return next(ctx, cmds)
	}
}

// enqueue adds players one millisecond apart so FIFO order is unambiguous.
func (f *fixture) enqueue(t *testing.T, playerIDs ...string) {
	t.Helper()
	for _, id := range playerIDs {
		_, err := f.queue.Enqueue(context.Background(), id, "conn-"+id, map[string]string{"hero_id": "hero-" + id})
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}
}

func (f *fixture) entry(t *testing.T, playerID string) QueueEntry {
	t.Helper()
	e, err := f.queue.Entry(context.Background(), playerID)
	require.NoError(t, err)
	require.NotNil(t, e, "player %s not queued", playerID)
	return *e
}

func (f *fixture) createSession(t *testing.T, matchID, p1, p2 string) *AcceptanceSession {
	t.Helper()
	sess, err := f.coord.CreateSession(context.Background(), matchID,
		QueueEntry{PlayerID: p1, ConnectionRef: "conn-" + p1},
		QueueEntry{PlayerID: p2, ConnectionRef: "conn-" + p2}, "")
	require.NoError(t, err)
	return sess
}

func (f *fixture) queuedIDs(t *testing.T) []string {
	t.Helper()
	entries, err := f.queue.ListAll(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PlayerID
	}
	return ids
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMessage struct {
	PlayerID string
	Type     string
	Payload  interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(playerID, msgType string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{PlayerID: playerID, Type: msgType, Payload: payload})
	return nil
}

// payloads returns what playerID was sent of msgType, oldest first.
func (n *recordingNotifier) payloads(playerID, msgType string) []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []interface{}
	for _, m := range n.sent {
		if m.PlayerID == playerID && m.Type == msgType {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (n *recordingNotifier) count(msgType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m.Type == msgType {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

type fakeRooms struct {
	mu    sync.Mutex
	err   error
	calls [][]gameroom.Player
}

func (r *fakeRooms) CreateGameRoom(_ context.Context, matchID string, players []gameroom.Player) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, players)
	if r.err != nil {
		return "", r.err
	}
	return "room-" + matchID, nil
}

type outcomeRecord struct {
	MatchID   string
	Outcome   string
	DecidedBy string
}

type fakeRecorder struct {
	mu        sync.Mutex
	proposals []history.Proposal
	outcomes  []outcomeRecord
}

func (r *fakeRecorder) RecordProposed(_ context.Context, p history.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals = append(r.proposals, p)
	return nil
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, matchID, outcome, decidedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcomeRecord{MatchID: matchID, Outcome: outcome, DecidedBy: decidedBy})
	return nil
}

func (r *fakeRecorder) outcomesFor(matchID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, o := range r.outcomes {
		if o.MatchID == matchID {
			out = append(out, o.Outcome)
		}
	}
	return out
}
