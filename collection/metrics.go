package collection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// collection counters. A nil `*Metrics` records nothing
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	responsesTotal    *prometheus.CounterVec
	diagnosticsTotal  *prometheus.CounterVec
	pendingEntities   prometheus.Gauge
	roundTripDuration *prometheus.HistogramVec
	pushesTotal       prometheus.Counter
}

// registers the collection metrics on `registerer`.
// use a fresh registry per collection when several collections run in one process
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rest_collection_requests_total",
			Help: "Requests emitted by category",
		}, []string{"category"}),
		responsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rest_collection_responses_total",
			Help: "Responses handled by category and result",
		}, []string{"category", "result"}),
		diagnosticsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rest_collection_diagnostics_total",
			Help: "Diagnostics by kind",
		}, []string{"kind"}),
		pendingEntities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rest_collection_pending_entities",
			Help: "Entities waiting for a create confirmation",
		}),
		roundTripDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rest_collection_round_trip_seconds",
			Help:    "Duration of driven requests by category",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"category"}),
		pushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rest_collection_pushes_total",
			Help: "Messages received on the push feed",
		}),
	}
}

func (self *Metrics) request(category RequestCategory) {
	if self == nil {
		return
	}
	self.requestsTotal.WithLabelValues(string(category)).Inc()
}

func (self *Metrics) response(category RequestCategory, err error) {
	if self == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	self.responsesTotal.WithLabelValues(string(category), result).Inc()
}

func (self *Metrics) diagnostic(kind DiagnosticKind) {
	if self == nil {
		return
	}
	self.diagnosticsTotal.WithLabelValues(string(kind)).Inc()
}

func (self *Metrics) pending(n int) {
	if self == nil {
		return
	}
	self.pendingEntities.Set(float64(n))
}

func (self *Metrics) roundTrip(category RequestCategory, d time.Duration) {
	if self == nil {
		return
	}
	self.roundTripDuration.WithLabelValues(string(category)).Observe(d.Seconds())
}

func (self *Metrics) push() {
	if self == nil {
		return
	}
	self.pushesTotal.Inc()
}
