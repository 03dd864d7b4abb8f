// Package telemetry exposes the process-wide prometheus metrics of the
// bonding engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	GroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "srt",
			Name:      "groups_active",
			Help:      "Number of open connection groups.",
		},
	)

	MembersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "srt",
			Name:      "group_members",
			Help:      "Number of member links per group.",
		},
		[]string{"group"},
	)

	PacketsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "packets_sent_total",
			Help:      "Packets handed to member links.",
		},
		[]string{"group"},
	)

	PacketsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "packets_delivered_total",
			Help:      "Packets delivered to the application.",
		},
		[]string{"group"},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "packets_dropped_total",
			Help:      "Packets lost on every member and skipped.",
		},
		[]string{"group"},
	)

	PacketsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "packets_discarded_total",
			Help:      "Duplicate packets discarded by the receiver merger.",
		},
		[]string{"group"},
	)

	LinkActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "link_activations_total",
			Help:      "Backup link activations, labeled by reason.",
		},
		[]string{"group", "reason"},
	)

	LinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srt",
			Name:      "link_failures_total",
			Help:      "Member links closed after a failure.",
		},
		[]string{"group"},
	)
)

func init() {
	Registry.MustRegister(
		GroupsActive, MembersActive,
		PacketsSent, PacketsDelivered, PacketsDropped, PacketsDiscarded,
		LinkActivations, LinkFailures,
	)
}

// MetricsHandler exposes /metrics for the api router.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
