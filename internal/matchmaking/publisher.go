package matchmaking

import (
	"fmt"

	"github.com/arena/matchmaking/internal/messaging"
	"github.com/arena/matchmaking/internal/protocol"
)

// Notifier delivers a server message to one player, wherever they are
// connected.
type Notifier interface {
	Notify(playerID, msgType string, payload interface{}) error
}

// NATSNotifier publishes client-ready messages on match.notify.<player_id>;
// the gateway holding the player's socket relays them verbatim.
type NATSNotifier struct {
	nats *messaging.NATSClient
}

// NewNATSNotifier creates a Notifier backed by NATS.
func NewNATSNotifier(nats *messaging.NATSClient) *NATSNotifier {
	return &NATSNotifier{nats: nats}
}

// Notify encodes payload as a msgType server message and publishes it.
func (n *NATSNotifier) Notify(playerID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("matchmaking: build %s for %s: %w", msgType, playerID, err)
	}
	if err := n.nats.PublishNotify(playerID, data); err != nil {
		return fmt.Errorf("matchmaking: publish %s for %s: %w", msgType, playerID, err)
	}
	return nil
}

func queueStatusMsg(status QueueStatus) protocol.QueueStatusMsg {
	return protocol.QueueStatusMsg{
		Position:             status.Position,
		EstimatedWaitSeconds: int(status.EstimatedWait.Seconds()),
		QueueSize:            status.QueueSize,
	}
}

func acceptanceUpdateMsg(sess *AcceptanceSession) protocol.MatchAcceptanceUpdateMsg {
	return protocol.MatchAcceptanceUpdateMsg{
		MatchID:         sess.MatchID,
		Player1Accepted: sess.Player1Accepted,
		Player2Accepted: sess.Player2Accepted,
	}
}
