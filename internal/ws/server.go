// Package ws is the player-facing WebSocket layer of the gateway. It
// upgrades HTTP requests, binds each socket to a player ID, multiplexes
// reads through a poller and a bounded worker pool, and hands complete text
// frames to a message callback.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/metrics"
	"github.com/arena/matchmaking/internal/protocol"
)

// ErrNotConnected is returned when a player has no socket on this gateway.
var ErrNotConnected = errors.New("ws: player not connected")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxMessageSize int64         // largest accepted data frame payload, in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultMaxMessageSize comfortably fits every client message.
const DefaultMaxMessageSize = 4096

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Hooks are the gateway's callbacks into connection lifecycle events.
type Hooks struct {
	// AllowUpgrade vets an upgrade request before the handshake. A false
	// return answers 429.
	AllowUpgrade func(r *http.Request, remoteIP string) bool
	// OnConnect runs after the socket is registered and greeted.
	OnConnect func(c *Connection)
	// OnDisconnect runs once per removed socket. superseded is true when
	// the player already has a newer socket on this server.
	OnDisconnect func(c *Connection, superseded bool)
}

// Server accepts player WebSocket connections.
type Server struct {
	config     ServerConfig
	poll       *poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte)
	hooks      Hooks
	logger     *zap.Logger
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame a client sends.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		logger:     logger.Named("ws"),
		done:       make(chan struct{}),
	}
}

// SetHooks installs lifecycle callbacks. Call before Start.
func (s *Server) SetHooks(h Hooks) {
	s.hooks = h
}

// Handler returns the HTTP routes served by the gateway: /ws for upgrades
// and /health for load balancer checks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start creates the poller, starts the event loop and heartbeat, and blocks
// serving HTTP until Shutdown.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) init() error {
	p, err := newPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}
	s.poll = p
	s.startedAt = time.Now()

	go s.eventLoop()
	if s.config.Heartbeat.Interval > 0 {
		s.startHeartbeat(s.config.Heartbeat)
	}
	return nil
}

// handleUpgrade binds the socket to the player_id query parameter, or to
// the socket's own ID when none is given. The identity is trusted as given;
// authentication happens upstream.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remoteIP := clientIP(r)
	if s.hooks.AllowUpgrade != nil && !s.hooks.AllowUpgrade(r, remoteIP) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote_ip", remoteIP), zap.Error(err))
		return
	}

	connID := uuid.NewString()
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		playerID = connID
	}

	c := &Connection{
		ID:        connID,
		PlayerID:  playerID,
		RemoteIP:  remoteIP,
		Conn:      netConn,
		Fd:        socketFD(netConn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	prev := s.conns.Add(c)
	if err := s.poll.add(netConn); err != nil {
		s.logger.Warn("poller add failed", zap.String("player_id", playerID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	metrics.ConnectionsTotal.Inc()

	// The newer socket wins; the old one is closed as superseded.
	if prev != nil {
		s.RemoveConnection(prev)
	}

	Reply(c, protocol.TypeConnected, protocol.ConnectedMsg{PlayerID: playerID}, s.logger)

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	s.logger.Info("connected",
		zap.String("player_id", playerID),
		zap.String("conn_id", c.ID),
		zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) eventLoop() {
	for {
		ready, err := s.poll.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isInterrupted(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("poller wait failed", zap.Error(err))
			continue
		}

		for _, netConn := range ready {
			s.workerPool <- struct{}{}
			go func(nc net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(nc)
			}(netConn)
		}
	}
}

// handleConn reads one frame from a readable socket. Control frames are
// consumed here; a read error or close frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered readiness can dispatch the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poll.rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length < 0 || header.Length > s.config.MaxMessageSize {
		s.logger.Warn("oversized frame, dropping connection",
			zap.String("player_id", c.PlayerID),
			zap.String("conn_id", c.ID),
			zap.Int64("length", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection run the disconnect hook once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poll != nil {
		_ = s.poll.remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	superseded := s.conns.GetByPlayer(c.PlayerID) != nil
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c, superseded)
	}

	s.logger.Info("disconnected",
		zap.String("player_id", c.PlayerID),
		zap.String("conn_id", c.ID),
		zap.Bool("superseded", superseded),
		zap.Int("total", s.conns.Count()))
}

// SendToPlayer writes a text frame to the player's current socket.
func (s *Server) SendToPlayer(playerID string, data []byte) error {
	c := s.conns.GetByPlayer(playerID)
	if c == nil {
		return ErrNotConnected
	}
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Connections exposes the connection index.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades and closes every socket. Disconnect
// hooks do not run for sockets closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down", zap.Int("connections", s.conns.Count()))
		close(s.done)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		for _, c := range s.conns.All() {
			if s.poll != nil {
				_ = s.poll.remove(c.Conn)
			}
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
		}
		if s.poll != nil {
			_ = s.poll.close()
		}
	})
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
