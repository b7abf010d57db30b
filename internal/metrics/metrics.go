// Package metrics holds the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realityflow_commands_total",
		Help: "Commands dispatched, by command and outcome",
	}, []string{"command", "outcome"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realityflow_command_duration_seconds",
		Help:    "Handler latency per command",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25, 1},
	}, []string{"command"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realityflow_connected_clients",
		Help: "Currently connected clients",
	})

	OpenProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realityflow_open_projects",
		Help: "Projects loaded into memory",
	})

	MutationsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realityflow_mutations_committed_total",
		Help: "Committed object mutations, by kind",
	}, []string{"kind"})

	CheckoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realityflow_checkout_events_total",
		Help: "Checkout transitions, by kind",
	}, []string{"kind"})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realityflow_persistence_failures_total",
		Help: "Gateway writes that failed and were queued for retry",
	})

	PersistenceBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realityflow_persistence_backlog",
		Help: "Mutations waiting to be written, per project",
	}, []string{"project"})

	SnapshotFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realityflow_snapshot_fallbacks_total",
		Help: "Delta requests answered with a full snapshot, by reason",
	}, []string{"reason"})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realityflow_slow_consumer_disconnects_total",
		Help: "Clients disconnected because their send buffer was full",
	})
)
