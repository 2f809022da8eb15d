package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "EcStore"
		},
	)

	ReadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "EcStore",
		Subsystem: "ecbackend",
		Name:      "read_latency_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"path"})

	WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "EcStore",
		Subsystem: "ecbackend",
		Name:      "write_latency_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	PartialReadHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EcStore",
		Subsystem: "ecbackend",
		Name:      "partial_read_hits_total",
	})

	RecoveredBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EcStore",
		Subsystem: "ecbackend",
		Name:      "recovered_bytes_total",
	})

	ScrubErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EcStore",
		Subsystem: "ecbackend",
		Name:      "scrub_errors_total",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		ReadLatency,
		WriteLatency,
		PartialReadHits,
		RecoveredBytes,
		ScrubErrors,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "EcStore"
		},
	)
}
