package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Attempts counts CreateOrder transaction attempts by result
	// (success, retryable, fatal).
	Attempts     *prometheus.CounterVec
	Outcomes     *prometheus.CounterVec
	Conflicts    prometheus.Counter
	TxLatencySec *prometheus.HistogramVec

	AuditDelivered   prometheus.Counter
	AuditRedelivered prometheus.Counter
	AuditDropped     prometheus.Counter
	RelayPublished   prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_create_attempts_total",
		Help: "CreateOrder transaction attempts by result.",
	}, []string{"result"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_outcomes_total",
		Help: "Terminal outcomes by operation and error kind.",
	}, []string{"op", "kind"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_lock_conflicts_total"})
	txLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_tx_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	delivered := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_audit_delivered_total"})
	redelivered := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_audit_redelivered_total"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_audit_dropped_total"})
	relayed := prometheus.NewCounter(prometheus.CounterOpts{Name: "fulfillment_audit_relay_published_total"})

	r.MustRegister(attempts, outcomes, conflicts, txLatency, delivered, redelivered, dropped, relayed)
	return &Registry{
		reg:              r,
		Attempts:         attempts,
		Outcomes:         outcomes,
		Conflicts:        conflicts,
		TxLatencySec:     txLatency,
		AuditDelivered:   delivered,
		AuditRedelivered: redelivered,
		AuditDropped:     dropped,
		RelayPublished:   relayed,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
