// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClassifierVerdictsTotal counts classifier decisions by hook point and
	// the rule that decided.
	ClassifierVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rom_classifier_verdicts_total",
			Help: "Total number of classified packets",
		},
		[]string{"hook", "reason"},
	)

	// QueueDropsTotal counts packets dropped by the packet queue
	QueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rom_queue_drops_total",
			Help: "Total number of packets dropped by the pending queue",
		},
		[]string{"reason"},
	)

	// QueuePackets tracks packets currently held pending a route
	QueuePackets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rom_queue_packets",
			Help: "Number of packets waiting for a route",
		},
	)

	// NotificationsTotal counts broadcast notifications by command and outcome
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rom_notifications_total",
			Help: "Total number of broadcast notifications",
		},
		[]string{"cmd", "result"},
	)

	// ControlCommandsTotal counts control requests by command and outcome
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rom_control_commands_total",
			Help: "Total number of control protocol requests",
		},
		[]string{"cmd", "result"},
	)

	// ControlLatencySeconds measures control request handling time
	ControlLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rom_control_latency_seconds",
			Help:    "Latency of control protocol requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~0.3s
		},
		[]string{"cmd"},
	)

	// Routes tracks the number of live route table entries
	Routes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rom_routes",
			Help: "Number of destinations with a verified route",
		},
	)
)

// Outcome labels shared by the counters above.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)
