package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena/matchmaking/internal/matchmaking"
	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/protocol"
	"github.com/arena/matchmaking/internal/ratelimit"
	"github.com/arena/matchmaking/internal/ws"
)

type published struct {
	subject string
	data    []byte
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
	subs map[string]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]func([]byte))}
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{subject, data})
	return nil
}

func (b *fakeBus) SubscribeNotify(playerID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[playerID] = handler
	return nil
}

func (b *fakeBus) UnsubscribeNotify(playerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[playerID]; !ok {
		return errors.New("no subscription")
	}
	delete(b.subs, playerID)
	return nil
}

func (b *fakeBus) on(subject string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, m := range b.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBus) deliver(playerID string, data []byte) bool {
	b.mu.Lock()
	h, ok := b.subs[playerID]
	b.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (s *fakeSender) SendToPlayer(playerID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][][]byte)
	}
	s.sent[playerID] = append(s.sent[playerID], data)
	return nil
}

// captureConn records frames written by ws.Reply.
type captureConn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *captureConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *captureConn) frames(t *testing.T) [][]byte {
	t.Helper()
	c.mu.Lock()
	r := bytes.NewReader(c.buf.Bytes())
	c.mu.Unlock()
	rw := struct {
		io.Reader
		io.Writer
	}{r, io.Discard}
	var out [][]byte
	for r.Len() > 0 {
		data, err := wsutil.ReadServerText(rw)
		require.NoError(t, err)
		out = append(out, data)
	}
	return out
}

func newConn(id, playerID string) (*ws.Connection, *captureConn) {
	cc := &captureConn{}
	return &ws.Connection{ID: id, PlayerID: playerID, Conn: cc}, cc
}

func newTestGateway(t *testing.T, grace time.Duration, withLimiter bool) (*Gateway, *fakeBus, *fakeSender) {
	t.Helper()
	var limiter *ratelimit.Limiter
	if withLimiter {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		limiter = ratelimit.NewLimiter(client, nil)
	}
	bus := newFakeBus()
	sender := &fakeSender{}
	g := New(Config{InstanceID: "gw-1", ReconnectGrace: grace}, bus, sender, limiter, nil)
	t.Cleanup(g.Close)
	return g, bus, sender
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestHandlersPublishRequests(t *testing.T) {
	g, bus, _ := newTestGateway(t, time.Second, false)
	d := ws.NewMessageDispatcher(nil)
	g.Register(d)
	c, _ := newConn("c1", "p1")

	d.Dispatch(c, []byte(`{"type":"join_queue","metadata":{"hero_id":"mage"}}`))
	d.Dispatch(c, []byte(`{"type":"accept_match","match_id":"m1"}`))
	d.Dispatch(c, []byte(`{"type":"reject_match","match_id":"m2"}`))
	d.Dispatch(c, []byte(`{"type":"leave_queue"}`))

	joins := bus.on(messaging.SubjectJoin)
	require.Len(t, joins, 1)
	join := decode[matchmaking.JoinRequest](t, joins[0].data)
	assert.Equal(t, "p1", join.PlayerID)
	assert.Equal(t, "gw-1/c1", join.ConnectionRef)
	assert.Equal(t, "mage", join.Metadata["hero_id"])

	accepts := bus.on(messaging.SubjectAccept)
	require.Len(t, accepts, 1)
	assert.Equal(t, matchmaking.AcceptRequest{PlayerID: "p1", MatchID: "m1"}, decode[matchmaking.AcceptRequest](t, accepts[0].data))

	rejects := bus.on(messaging.SubjectReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, matchmaking.RejectRequest{PlayerID: "p1", MatchID: "m2"}, decode[matchmaking.RejectRequest](t, rejects[0].data))

	leaves := bus.on(messaging.SubjectLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, matchmaking.LeaveRequest{PlayerID: "p1"}, decode[matchmaking.LeaveRequest](t, leaves[0].data))
}

func TestJoinRateLimited(t *testing.T) {
	g, bus, _ := newTestGateway(t, time.Second, true)
	d := ws.NewMessageDispatcher(nil)
	g.Register(d)
	c, cc := newConn("c1", "p1")

	for i := 0; i < ratelimit.RuleJoin.Limit+1; i++ {
		d.Dispatch(c, []byte(`{"type":"join_queue"}`))
	}

	assert.Len(t, bus.on(messaging.SubjectJoin), ratelimit.RuleJoin.Limit)
	frames := cc.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRateLimited, protocol.MessageType(frames[0]))
	msg := decode[protocol.RateLimitedMsg](t, frames[0])
	assert.Equal(t, 60, msg.RetryAfter)
}

func TestUpgradeRateLimitedPerIP(t *testing.T) {
	g, _, _ := newTestGateway(t, time.Second, true)
	hooks := g.Hooks()

	for i := 0; i < ratelimit.RuleConnect.Limit; i++ {
		assert.True(t, hooks.AllowUpgrade(nil, "10.0.0.1"))
	}
	assert.False(t, hooks.AllowUpgrade(nil, "10.0.0.1"))
	assert.True(t, hooks.AllowUpgrade(nil, "10.0.0.2"))
}

func TestConnectSubscribesAndReplays(t *testing.T) {
	g, bus, sender := newTestGateway(t, time.Second, false)
	c, _ := newConn("c1", "p1")

	g.OnConnect(c)

	reconnects := bus.on(messaging.SubjectReconnect)
	require.Len(t, reconnects, 1)
	assert.Equal(t, matchmaking.ReconnectRequest{PlayerID: "p1", ConnectionRef: "gw-1/c1"},
		decode[matchmaking.ReconnectRequest](t, reconnects[0].data))

	require.True(t, bus.deliver("p1", []byte(`{"type":"queue_status","position":1}`)))
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent["p1"], 1)
	assert.JSONEq(t, `{"type":"queue_status","position":1}`, string(sender.sent["p1"][0]))
}

func TestDisconnectLeavesAfterGrace(t *testing.T) {
	g, bus, _ := newTestGateway(t, 100*time.Millisecond, false)
	c, _ := newConn("c1", "p1")
	g.OnConnect(c)

	g.OnDisconnect(c, false)
	assert.False(t, bus.deliver("p1", []byte(`{}`)), "notify subscription should be dropped")
	assert.Equal(t, 1, g.PendingLeaves())

	require.Eventually(t, func() bool { return len(bus.on(messaging.SubjectLeave)) == 1 }, time.Second, 5*time.Millisecond)
	leave := decode[matchmaking.LeaveRequest](t, bus.on(messaging.SubjectLeave)[0].data)
	assert.Equal(t, matchmaking.LeaveRequest{PlayerID: "p1", ConnectionRef: "gw-1/c1"}, leave)
	assert.Equal(t, 0, g.PendingLeaves())
}

func TestReconnectWithinGraceCancelsLeave(t *testing.T) {
	g, bus, _ := newTestGateway(t, 50*time.Millisecond, false)
	first, _ := newConn("c1", "p1")
	g.OnConnect(first)
	g.OnDisconnect(first, false)

	second, _ := newConn("c2", "p1")
	g.OnConnect(second)

	assert.Equal(t, 0, g.PendingLeaves())
	assert.Never(t, func() bool { return len(bus.on(messaging.SubjectLeave)) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, bus.on(messaging.SubjectReconnect), 2)
}

func TestSupersededDisconnectIsIgnored(t *testing.T) {
	g, bus, _ := newTestGateway(t, 10*time.Millisecond, false)
	c, _ := newConn("c1", "p1")
	g.OnConnect(c)

	g.OnDisconnect(c, true)

	assert.Equal(t, 0, g.PendingLeaves())
	assert.True(t, bus.deliver("p1", []byte(`{}`)))
}

func TestCloseStopsPendingLeaves(t *testing.T) {
	g, bus, _ := newTestGateway(t, 20*time.Millisecond, false)
	c, _ := newConn("c1", "p1")
	g.OnDisconnect(c, false)

	g.Close()
	g.OnDisconnect(c, false)

	assert.Equal(t, 0, g.PendingLeaves())
	assert.Never(t, func() bool { return len(bus.on(messaging.SubjectLeave)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
