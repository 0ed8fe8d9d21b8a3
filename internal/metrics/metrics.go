package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	QueueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_queue_requests_total",
		Help: "Find requests by game mode and enqueue result",
	}, []string{"game_mode", "result"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchmaking_queue_depth",
		Help: "Players waiting per game mode at the last formation pass",
	}, []string{"game_mode"})

	MatchesFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_matches_formed_total",
		Help: "Sessions created by the formation worker",
	}, []string{"game_mode"})

	RaceLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_race_lost_total",
		Help: "Candidate sets discarded because another worker or a cancel removed an entry first",
	}, []string{"game_mode"})

	QueueTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_queue_timeouts_total",
		Help: "Entries expired by the sweep",
	}, []string{"game_mode"})

	WaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matchmaking_wait_seconds",
		Help:    "Time matched players spent in the queue",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"game_mode"})

	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_session_failures_total",
		Help: "Candidate sets abandoned after session creation retries were exhausted",
	}, []string{"game_mode"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_events_published_total",
		Help: "Events published to the bus by topic",
	}, []string{"topic"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_publish_failures_total",
		Help: "Events that could not be published after retries",
	}, []string{"topic"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_deliveries_total",
		Help: "Consumer outcomes by topic: live, remote, mailbox, duplicate",
	}, []string{"topic", "outcome"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_ws_connections",
		Help: "Live websocket connections on this gateway",
	})

	ConnectionEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_ws_connection_events_dropped_total",
		Help: "Connection events lost because the hub stopped before they were consumed",
	}, []string{"type"})
)
