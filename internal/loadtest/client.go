// Package loadtest simulates players against a running gateway. A Client
// holds one player socket; a Collector aggregates latencies and outcomes
// across many clients.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/arena/matchmaking/internal/protocol"
)

// ErrClosed is returned by Wait helpers once the socket is gone.
var ErrClosed = errors.New("loadtest: connection closed")

// Client is one simulated player.
type Client struct {
	PlayerID string

	conn      net.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(data []byte)
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ConnectLatency time.Duration
}

// Dial connects playerID to the gateway at baseURL (e.g.
// ws://localhost:8080/ws) and starts the read loop.
func Dial(ctx context.Context, baseURL, playerID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("loadtest: parse url: %w", err)
	}
	q := u.Query()
	q.Set("player_id", playerID)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial %s: %w", playerID, err)
	}

	c := &Client{
		PlayerID:       playerID,
		conn:           conn,
		reader:         conn,
		handlers:       make(map[string]func([]byte)),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		ConnectLatency: time.Since(start),
	}
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}
	go c.readLoop()
	return c, nil
}

// On registers the handler for a server message type, replacing any
// earlier one. Handlers run on the read loop and must not block.
func (c *Client) On(msgType string, handler func(data []byte)) {
	c.handlerMu.Lock()
	c.handlers[msgType] = handler
	c.handlerMu.Unlock()
}

// WaitConnected blocks until the gateway's connected greeting arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		select {
		case <-c.connected:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a client message of msgType with payload's fields.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinQueue sends join_queue with the given hero.
func (c *Client) JoinQueue(heroID string) error {
	var metadata map[string]string
	if heroID != "" {
		metadata = map[string]string{"hero_id": heroID}
	}
	return c.Send(protocol.TypeJoinQueue, protocol.JoinQueueMsg{Metadata: metadata})
}

// Accept sends accept_match.
func (c *Client) Accept(matchID string) error {
	return c.Send(protocol.TypeAcceptMatch, protocol.AcceptMatchMsg{MatchID: matchID})
}

// Reject sends reject_match.
func (c *Client) Reject(matchID string) error {
	return c.Send(protocol.TypeRejectMatch, protocol.RejectMatchMsg{MatchID: matchID})
}

// Done is closed when the socket is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			return
		}
		msgType := protocol.MessageType(data)
		if msgType == protocol.TypeConnected {
			select {
			case <-c.connected:
			default:
				close(c.connected)
			}
		}

		c.handlerMu.RLock()
		h := c.handlers[msgType]
		c.handlerMu.RUnlock()
		if h != nil {
			h(data)
		}
	}
}

// lockedWriter lets wsutil answer server pings without racing Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Decode unmarshals a server message into v.
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
