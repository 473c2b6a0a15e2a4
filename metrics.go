package dsnode

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	requests    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	memoHits    prometheus.Counter
	memoMisses  prometheus.Counter
	subscribers prometheus.GaugeFunc
	datasets    prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, s *Server) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsnode",
			Name:      "requests_total",
			Help:      "Requests received, by RPC method.",
		}, []string{"method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsnode",
			Name:      "failures_total",
			Help:      "Requests that ended with an error, by status code.",
		}, []string{"code"}),
		memoHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsnode",
			Name:      "memo_hits_total",
			Help:      "Requests answered from the memoization cache.",
		}),
		memoMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsnode",
			Name:      "memo_misses_total",
			Help:      "Requests that had to be executed.",
		}),
		subscribers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dsnode",
			Name:      "active_subscriptions",
			Help:      "Operations currently streaming results.",
		}, func() float64 { return float64(s.subscriptions.Len()) }),
		datasets: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dsnode",
			Name:      "registered_datasets",
			Help:      "Datasets held by the registry.",
		}, func() float64 { return float64(s.datasets.Len()) }),
	}
	reg.MustRegister(m.requests, m.failures, m.memoHits, m.memoMisses, m.subscribers, m.datasets)
	return m
}

// MetricsHandler returns an HTTP handler exposing the server's metrics in
// the Prometheus text format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{})
}
