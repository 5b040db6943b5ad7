// Package gateway bridges player WebSocket connections and the matcher.
// Client messages become NATS requests on the match.* subjects; the
// matcher's per-player notifications are relayed back to the socket
// verbatim.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/matchmaking"
	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/protocol"
	"github.com/arena/matchmaking/internal/ratelimit"
	"github.com/arena/matchmaking/internal/ws"
)

// Bus is the slice of the NATS client the gateway uses.
// *messaging.NATSClient implements it.
type Bus interface {
	Publish(subject string, data []byte) error
	SubscribeNotify(playerID string, handler func(data []byte)) error
	UnsubscribeNotify(playerID string) error
}

// Sender writes to a player's socket. *ws.Server implements it.
type Sender interface {
	SendToPlayer(playerID string, data []byte) error
}

// Config holds the gateway's own settings.
type Config struct {
	InstanceID     string        // prefixes connection refs, e.g. "gw-1"
	ReconnectGrace time.Duration // wait before a disconnect becomes a leave
}

// Gateway translates between sockets and the matcher.
type Gateway struct {
	config  Config
	bus     Bus
	sender  Sender
	limiter *ratelimit.Limiter // nil disables rate limiting
	logger  *zap.Logger

	mu     sync.Mutex
	grace  map[string]*time.Timer // pending disconnect leaves by player
	closed bool
}

// New creates a Gateway. limiter may be nil.
func New(config Config, bus Bus, sender Sender, limiter *ratelimit.Limiter, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		config:  config,
		bus:     bus,
		sender:  sender,
		limiter: limiter,
		logger:  logger.Named("gateway"),
		grace:   make(map[string]*time.Timer),
	}
}

// Register installs the client message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinQueue, g.handleJoin)
	d.Register(protocol.TypeLeaveQueue, g.handleLeave)
	d.Register(protocol.TypeAcceptMatch, g.handleAccept)
	d.Register(protocol.TypeRejectMatch, g.handleReject)
}

// Hooks returns the socket lifecycle callbacks for ws.Server.
func (g *Gateway) Hooks() ws.Hooks {
	return ws.Hooks{
		AllowUpgrade: g.allowUpgrade,
		OnConnect:    g.OnConnect,
		OnDisconnect: g.OnDisconnect,
	}
}

// ConnectionRef is the opaque reference the matcher stores for a socket.
func (g *Gateway) ConnectionRef(c *ws.Connection) string {
	return g.config.InstanceID + "/" + c.ID
}

// OnConnect cancels any pending disconnect leave, starts relaying the
// player's notifications and asks the matcher to replay their state.
func (g *Gateway) OnConnect(c *ws.Connection) {
	g.mu.Lock()
	if t, ok := g.grace[c.PlayerID]; ok {
		t.Stop()
		delete(g.grace, c.PlayerID)
	}
	g.mu.Unlock()

	playerID := c.PlayerID
	err := g.bus.SubscribeNotify(playerID, func(data []byte) {
		if err := g.sender.SendToPlayer(playerID, data); err != nil {
			g.logger.Debug("relay dropped",
				zap.String("player_id", playerID),
				zap.String("type", protocol.MessageType(data)),
				zap.Error(err))
		}
	})
	if err != nil {
		g.logger.Error("subscribe notify failed", zap.String("player_id", playerID), zap.Error(err))
	}

	g.publish(messaging.SubjectReconnect, matchmaking.ReconnectRequest{
		PlayerID:      playerID,
		ConnectionRef: g.ConnectionRef(c),
	})
}

// OnDisconnect schedules a leave after the reconnect grace period. Nothing
// happens when the socket was superseded by a newer one on this gateway.
func (g *Gateway) OnDisconnect(c *ws.Connection, superseded bool) {
	if superseded {
		return
	}
	if err := g.bus.UnsubscribeNotify(c.PlayerID); err != nil {
		g.logger.Debug("unsubscribe notify failed", zap.String("player_id", c.PlayerID), zap.Error(err))
	}

	leave := matchmaking.LeaveRequest{PlayerID: c.PlayerID, ConnectionRef: g.ConnectionRef(c)}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t, ok := g.grace[c.PlayerID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(g.config.ReconnectGrace, func() {
		g.mu.Lock()
		current := g.grace[leave.PlayerID] == timer
		if current {
			delete(g.grace, leave.PlayerID)
		}
		g.mu.Unlock()
		if current {
			g.publish(messaging.SubjectLeave, leave)
		}
	})
	g.grace[c.PlayerID] = timer
}

// PendingLeaves returns how many disconnect leaves are waiting out their
// grace period.
func (g *Gateway) PendingLeaves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grace)
}

// Close stops all pending disconnect leaves.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.grace {
		t.Stop()
		delete(g.grace, id)
	}
}

func (g *Gateway) handleJoin(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinQueueMsg)
	if !ok || !g.allow(c, ratelimit.RuleJoin) {
		return
	}
	g.publish(messaging.SubjectJoin, matchmaking.JoinRequest{
		PlayerID:      c.PlayerID,
		ConnectionRef: g.ConnectionRef(c),
		Metadata:      m.Metadata,
	})
}

func (g *Gateway) handleLeave(c *ws.Connection, msg interface{}) {
	if _, ok := msg.(protocol.LeaveQueueMsg); !ok || !g.allow(c, ratelimit.RuleAction) {
		return
	}
	g.publish(messaging.SubjectLeave, matchmaking.LeaveRequest{PlayerID: c.PlayerID})
}

func (g *Gateway) handleAccept(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.AcceptMatchMsg)
	if !ok || !g.allow(c, ratelimit.RuleAction) {
		return
	}
	g.publish(messaging.SubjectAccept, matchmaking.AcceptRequest{PlayerID: c.PlayerID, MatchID: m.MatchID})
}

func (g *Gateway) handleReject(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.RejectMatchMsg)
	if !ok || !g.allow(c, ratelimit.RuleAction) {
		return
	}
	g.publish(messaging.SubjectReject, matchmaking.RejectRequest{PlayerID: c.PlayerID, MatchID: m.MatchID})
}

// allow applies rule to the player and answers rate_limited when exceeded.
func (g *Gateway) allow(c *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, _ := g.limiter.Allow(ctx, c.PlayerID, rule)
	if ok {
		return true
	}
	ws.Reply(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: g.limiter.RetryAfter(ctx, c.PlayerID, rule),
	}, g.logger)
	return false
}

func (g *Gateway) allowUpgrade(_ *http.Request, remoteIP string) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, _ := g.limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
	return ok
}

func (g *Gateway) publish(subject string, req interface{}) {
	data, err := json.Marshal(req)
	if err != nil {
		g.logger.Error("encode request failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := g.bus.Publish(subject, data); err != nil {
		g.logger.Error("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
