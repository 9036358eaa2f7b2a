package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks protocol activity. A nil *Metrics is valid and records
// nothing, which keeps tests and embedded uses free of a registry.
type Metrics struct {
	rpcHandled   *prometheus.CounterVec
	callsIssued  *prometheus.CounterVec
	peersEvicted prometheus.Counter
	replications prometheus.Counter
	recordsSet   prometheus.Counter
	recordsGone  prometheus.Counter
}

// NewMetrics registers the protocol collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rpcHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "rpc_handled_total",
			Help:      "Inbound RPC requests handled, by command.",
		}, []string{"command"}),
		callsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "rpc_calls_total",
			Help:      "Outbound RPC calls completed, by command and outcome.",
		}, []string{"command", "outcome"}),
		peersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "peers_evicted_total",
			Help:      "Peers removed from the routing table after failed calls.",
		}),
		replications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "replications_total",
			Help:      "Key/value transfer batches run for newly discovered peers.",
		}),
		recordsSet: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "records_stored_total",
			Help:      "Records accepted by inbound STORE requests.",
		}),
		recordsGone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kadnet",
			Name:      "records_deleted_total",
			Help:      "Records removed by authorized DELETE requests.",
		}),
	}
}

func (m *Metrics) handled(cmd Command) {
	if m != nil {
		m.rpcHandled.WithLabelValues(string(cmd)).Inc()
	}
}

func (m *Metrics) called(cmd Command, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.callsIssued.WithLabelValues(string(cmd), outcome).Inc()
}

func (m *Metrics) evicted() {
	if m != nil {
		m.peersEvicted.Inc()
	}
}

func (m *Metrics) replicated() {
	if m != nil {
		m.replications.Inc()
	}
}

func (m *Metrics) stored() {
	if m != nil {
		m.recordsSet.Inc()
	}
}

func (m *Metrics) deleted() {
	if m != nil {
		m.recordsGone.Inc()
	}
}
