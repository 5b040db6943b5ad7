package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one player socket. A player has at most one live
// Connection per gateway; a newer socket supersedes the older one.
type Connection struct {
	ID        string    // per-socket ID (UUID)
	PlayerID  string    // player bound at upgrade time
	RemoteIP  string    // client address without port
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // socket descriptor, -1 off Linux
	CreatedAt time.Time // when the connection was established

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame. The write mutex keeps concurrent
// writers from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by socket ID, net.Conn and
// player ID.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byConn   map[net.Conn]*Connection
	byPlayer map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:     make(map[string]*Connection),
		byConn:   make(map[net.Conn]*Connection),
		byPlayer: make(map[string]*Connection),
	}
}

// Add registers conn and returns the connection it supersedes for the same
// player, if any. The superseded connection stays registered by ID until it
// is removed.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	prev := cm.byPlayer[conn.PlayerID]
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.byPlayer[conn.PlayerID] = conn
	return prev
}

// Remove unregisters a connection by socket ID and closes it. It reports
// false when the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if cm.byPlayer[conn.PlayerID] == conn {
			delete(cm.byPlayer, conn.PlayerID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with socket ID id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByPlayer returns the player's current connection, or nil.
func (cm *ConnectionManager) GetByPlayer(playerID string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byPlayer[playerID]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
