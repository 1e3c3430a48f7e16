package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	pools      prometheus.Gauge
	admissions prometheus.Counter
	evictions  prometheus.Counter
}

// newMetrics registers the registry collectors on reg. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		pools: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcagent",
			Subsystem: "endpoint",
			Name:      "pools",
			Help:      "Number of endpoints with a live connection pool.",
		}),
		admissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcagent",
			Subsystem: "endpoint",
			Name:      "admissions_total",
			Help:      "Endpoints admitted into the registry.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcagent",
			Subsystem: "endpoint",
			Name:      "evictions_total",
			Help:      "Endpoints removed because every connection of their pool closed.",
		}),
	}
}
