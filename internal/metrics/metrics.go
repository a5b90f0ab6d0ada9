// Package metrics holds the server's prometheus instruments. Everything
// registers on the default registry; cmd/server exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inkfold_rooms_active",
		Help: "Rooms currently alive, draining included",
	})

	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inkfold_members_active",
		Help: "Memberships currently held across all rooms",
	})

	UpdatesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkfold_updates_relayed_total",
		Help: "Document updates accepted and fanned out",
	})

	AwarenessRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkfold_awareness_relayed_total",
		Help: "Awareness updates accepted and fanned out",
	})

	UpdatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkfold_updates_rejected_total",
		Help: "Updates dropped for failing to decode or merge",
	})

	PersistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkfold_persist_total",
		Help: "Document flush attempts by status",
	}, []string{"status"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inkfold_persist_duration_seconds",
		Help:    "Document flush duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkfold_auth_failures_total",
		Help: "Connections rejected at token verification",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inkfold_frames_dropped_total",
		Help: "Outbound frames dropped on slow connections",
	})
)
