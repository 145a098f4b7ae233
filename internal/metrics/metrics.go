// Package metrics exposes Prometheus instrumentation for federation traffic
// and the edit pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	InboundActivities *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	RemoteFetches     *prometheus.CounterVec
	EditsCommitted    prometheus.Counter
	ConflictsOpen     prometheus.Gauge
}

// New registers all collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundActivities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedipedia_inbound_activities_total",
			Help: "Inbox activities by type and outcome.",
		}, []string{"type", "outcome"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedipedia_deliveries_total",
			Help: "Outbound activity deliveries by result.",
		}, []string{"result"}),
		RemoteFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedipedia_remote_fetches_total",
			Help: "Remote object fetches by kind and result.",
		}, []string{"kind", "result"}),
		EditsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedipedia_edits_committed_total",
			Help: "Edits appended to local article chains.",
		}),
		ConflictsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedipedia_conflicts_open",
			Help: "Unresolved edit conflicts awaiting their creators.",
		}),
	}
}
