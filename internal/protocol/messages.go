// Package protocol defines the WebSocket message types exchanged between game
// clients and the matchmaking gateway. All messages are JSON objects with a
// "type" discriminator. Server messages are built once by the matcher and
// relayed to the socket unchanged by the gateway.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue   = "join_queue"
	TypeLeaveQueue  = "leave_queue"
	TypeAcceptMatch = "accept_match"
	TypeRejectMatch = "reject_match"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected              = "connected"
	TypeQueueStatus            = "queue_status"
	TypeQueueLeft              = "queue_left"
	TypeQueueTimeout           = "queue_timeout"
	TypeQueueBlocked           = "queue_blocked"
	TypeMatchProposed          = "match_proposed"
	TypeMatchAcceptanceUpdate  = "match_acceptance_update"
	TypeMatchConfirmed         = "match_confirmed"
	TypeMatchRejected          = "match_rejected"
	TypeMatchAcceptanceExpired = "match_acceptance_expired"
	TypeRateLimited            = "rate_limited"
	TypeError                  = "error"
	TypePong                   = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeSessionNotFound = "session_not_found"
	CodeSessionExpired  = "session_expired"
	CodeNotParticipant  = "not_participant"
	CodeSessionClosed   = "session_closed"
	CodeTryAgain        = "try_again"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg enters the matchmaking queue. Metadata is opaque to the
// matcher apart from hero_id, which is forwarded to the game room.
type JoinQueueMsg struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LeaveQueueMsg leaves the queue and abandons any pending proposal.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// AcceptMatchMsg accepts a proposed match.
type AcceptMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// RejectMatchMsg rejects a proposed match.
type RejectMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg tells the client which player ID the gateway bound it to.
type ConnectedMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
}

// QueueStatusMsg reports the player's place in the queue.
type QueueStatusMsg struct {
	Type                 string `json:"type"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	QueueSize            int64  `json:"queue_size"`
}

// QueueLeftMsg confirms the player is no longer queued.
type QueueLeftMsg struct {
	Type string `json:"type"`
}

// QueueTimeoutMsg is sent when the player waited longer than the queue timeout.
type QueueTimeoutMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
	Message  string `json:"message"`
}

// QueueBlockedMsg refuses a join while a timeout penalty is active.
type QueueBlockedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
	Message    string `json:"message"`
}

// MatchProposedMsg offers a match; the client must accept or reject before
// ExpiresAt (unix ms).
type MatchProposedMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	GameRoomID string `json:"game_room_id"`
	OpponentID string `json:"opponent_id"`
	ExpiresAt  int64  `json:"expires_at"`
}

// MatchAcceptanceUpdateMsg reports who has accepted so far.
type MatchAcceptanceUpdateMsg struct {
	Type            string `json:"type"`
	MatchID         string `json:"match_id"`
	Player1Accepted bool   `json:"player1_accepted"`
	Player2Accepted bool   `json:"player2_accepted"`
}

// MatchConfirmedMsg is sent to both players once both accepted.
type MatchConfirmedMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	GameRoomID string `json:"game_room_id"`
	OpponentID string `json:"opponent_id"`
	Message    string `json:"message"`
}

// MatchRejectedMsg is sent to both players when one of them rejects or
// leaves.
type MatchRejectedMsg struct {
	Type              string `json:"type"`
	MatchID           string `json:"match_id"`
	RejectingPlayerID string `json:"rejecting_player_id"`
}

// MatchAcceptanceExpiredMsg is sent when the window closed without both
// players accepting.
type MatchAcceptanceExpiredMsg struct {
	Type         string `json:"type"`
	MatchID      string `json:"match_id"`
	Requeued     bool   `json:"requeued"`
	TimeoutCount int    `json:"timeout_count,omitempty"`
	Message      string `json:"message"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptMatch:
		var m AcceptMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MatchID == "" {
			err = fmt.Errorf("missing match_id")
		}
		msg = m
	case TypeRejectMatch:
		var m RejectMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MatchID == "" {
			err = fmt.Errorf("missing match_id")
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MessageType extracts the "type" field of an encoded server message.
func MessageType(data []byte) string {
	var partial struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &partial)
	return partial.Type
}
