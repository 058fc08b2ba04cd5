package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay cycle metrics
var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaprelay_cycles_total",
			Help: "Total number of relay cycles by outcome",
		},
		[]string{"result"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imaprelay_cycle_duration_seconds",
			Help:    "Duration of relay cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	CycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imaprelay_cycle_state",
			Help: "Current relay cycle state (0 idle, 1 opening, 2 validating, 3 processing, 4 closing, 5 failed)",
		},
	)
)

// Message metrics
var (
	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imaprelay_messages_relayed_total",
			Help: "Total number of messages relayed to the forwarding address",
		},
	)

	Autoresponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaprelay_autoresponses_total",
			Help: "Total number of autoresponse decisions by result",
		},
		[]string{"result"},
	)
)
