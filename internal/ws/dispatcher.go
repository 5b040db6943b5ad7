package ws

import (
	"go.uber.org/zap"

	"github.com/arena/matchmaking/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. Pings are
// answered here; parse failures and unknown types get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates handler with msgType, replacing any earlier handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error",
			zap.String("player_id", conn.PlayerID),
			zap.String("type", msgType),
			zap.Error(err))
		if msgType != "" && !isClientType(msgType) {
			Reply(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeUnsupportedType,
				Message: "unsupported message type",
			}, d.logger)
			return
		}
		Reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeParseError,
			Message: "invalid message format",
		}, d.logger)
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		Reply(conn, protocol.TypePong, protocol.PongMsg{}, d.logger)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		Reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeUnsupportedType,
			Message: "unsupported message type",
		}, d.logger)
		return
	}
	handler(conn, msg)
}

// Reply encodes and writes a server message to conn, logging failures.
func Reply(conn *Connection, msgType string, payload interface{}, logger *zap.Logger) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Warn("build reply failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug("write reply failed",
			zap.String("player_id", conn.PlayerID),
			zap.String("type", msgType),
			zap.Error(err))
	}
}

func isClientType(msgType string) bool {
	switch msgType {
	case protocol.TypeJoinQueue, protocol.TypeLeaveQueue, protocol.TypeAcceptMatch,
		protocol.TypeRejectMatch, protocol.TypePing:
		return true
	}
	return false
}
