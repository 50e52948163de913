// Package metrics exposes ingestion and model counters on a caller-supplied
// prometheus registry. No package-level state; every instance registers its
// own collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors the tracker updates as events flow through
type Metrics struct {
	EventsTotal  *prometheus.CounterVec
	DroppedTotal *prometheus.CounterVec
	Repairs      prometheus.Counter
	Placeholders prometheus.Counter

	SnapshotVersion prometheus.Gauge
	LiveNodes       prometheus.Gauge
	OpenNurseries   prometheus.Gauge
}

// Drop reasons for DroppedTotal
const (
	ReasonMalformed = "malformed"
	ReasonDuplicate = "duplicate"
	ReasonStale     = "stale"
	ReasonReuse     = "reuse"
)

// New registers the collector set with reg. Passing
// prometheus.NewRegistry() keeps instances isolated in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopevis_events_total",
			Help: "Lifecycle events accepted into the model, by kind",
		}, []string{"kind"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopevis_events_dropped_total",
			Help: "Events rejected or dropped before or during apply, by reason",
		}, []string{"reason"}),
		Repairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopevis_repairs_total",
			Help: "Events that required synthesized corrective transitions",
		}),
		Placeholders: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopevis_placeholders_total",
			Help: "Placeholder nodes synthesized for ids seen out of order",
		}),
		SnapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scopevis_snapshot_version",
			Help: "Version of the latest published snapshot",
		}),
		LiveNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scopevis_live_nodes",
			Help: "Nodes in the latest snapshot, the synthetic root included",
		}),
		OpenNurseries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scopevis_open_nurseries",
			Help: "Nurseries not yet closed in the latest snapshot",
		}),
	}
}
