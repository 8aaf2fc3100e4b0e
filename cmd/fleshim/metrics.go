package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the counters/histograms a real driver would export
// alongside its operation contexts. Grounded on the teacher's habit of
// wiring prometheus/client_golang into its own server binary; here the
// same library is wired into the demo driver loop instead of an HTTP
// service, since the coordination core has no server of its own.
type metrics struct {
	operationsTotal  *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	kmsRoundTrips    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corectx_operations_total",
			Help: "Operation contexts completed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corectx_operation_duration_seconds",
			Help:    "Wall time from context creation to Finalize or Error.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		kmsRoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corectx_kms_round_trips_total",
			Help: "KMS sub-context request/response exchanges driven to completion.",
		}),
	}
	reg.MustRegister(m.operationsTotal, m.operationSeconds, m.kmsRoundTrips)
	return m
}
