// Package metrics provides Prometheus instrumentation for the matchmaking
// services: queue depth, pairing and acceptance outcomes, optimistic-update
// contention and gateway connection counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of gateway WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arena_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MatchQueueSize tracks the current number of players waiting.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arena_match_queue_size",
		Help: "Current number of players in the matchmaking queue",
	})

	// MatchesTotal counts acceptance sessions by outcome.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_matches_total",
		Help: "Acceptance sessions by outcome",
	}, []string{"outcome"}) // proposed, confirmed, rejected, expired

	// QueueWait records the time from join to proposal.
	QueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_queue_wait_seconds",
		Help:    "Time from joining the queue to receiving a match proposal",
		Buckets: []float64{1, 3, 5, 10, 15, 20, 30, 45, 60},
	})

	// QueueTimeouts counts players removed for waiting too long.
	QueueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_queue_timeouts_total",
		Help: "Players removed from the queue after the queue timeout",
	})

	// AcceptConflicts counts lost optimistic races while accepting.
	AcceptConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_accept_conflicts_total",
		Help: "Optimistic update conflicts while recording an accept",
	})

	// Penalties counts timeout penalties by action.
	Penalties = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_timeout_penalties_total",
		Help: "Acceptance timeout penalties applied",
	}, []string{"action"}) // requeued, blocked

	// GameRoomRequests counts game room creation calls by result.
	GameRoomRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_game_room_requests_total",
		Help: "Game room creation requests",
	}, []string{"result"}) // ok, error

	// PairingDuration records how long a pairing pass takes.
	PairingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_pairing_duration_seconds",
		Help:    "Duration of one pairing pass",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchQueueSize,
		MatchesTotal,
		QueueWait,
		QueueTimeouts,
		AcceptConflicts,
		Penalties,
		GameRoomRequests,
		PairingDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
