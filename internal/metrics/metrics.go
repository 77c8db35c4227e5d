// Package metrics holds the Prometheus collectors exported by the dispatch
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Publish failure reasons
const (
	ReasonNone          = "none"
	ReasonSerialization = "serialization"
	ReasonTransport     = "transport"
)

// Collectors groups every metric the service exports.
type Collectors struct {
	PublishTotal  *prometheus.CounterVec
	StreamBacklog *prometheus.GaugeVec
	SweepTotal    *prometheus.CounterVec
	CallbackTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetpipe",
			Name:      "stream_publish_total",
			Help:      "Envelopes handed to the stream transport, by outcome.",
		}, []string{"stream", "outcome", "reason"}),
		StreamBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "assetpipe",
			Name:      "stream_backlog",
			Help:      "Unacknowledged messages per stream, sampled periodically.",
		}, []string{"stream"}),
		SweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetpipe",
			Name:      "sweep_envelopes_total",
			Help:      "Envelopes acted on by the retry sweeper, by action.",
		}, []string{"action"}),
		CallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetpipe",
			Name:      "callback_total",
			Help:      "Worker callbacks processed, by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(c.PublishTotal, c.StreamBacklog, c.SweepTotal, c.CallbackTotal)
	}
	return c
}
