package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cdnmesh"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Total number of node registrations, explicit or implied by first contact.",
	}, []string{"kind"})

	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Total number of heartbeats received from nodes.",
	}, []string{"kind"})

	MappingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mappings_total",
		Help:      "Total number of content mappings added to the directory.",
	}, []string{"locator"})

	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes",
		Help:      "Number of known nodes by derived liveness status.",
	}, []string{"status"})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total number of nodes that transitioned to dead.",
	})

	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration to resolve a file name or swarm key into candidates.",
	}, []string{"source"})

	ResolveCandidates = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_candidates",
		Help:      "Number of candidates returned for a resolution.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})

	FetchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Total number of candidate fetch attempts.",
	}, []string{"locator", "result"})

	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Total number of uploads handled by the node agent.",
	}, []string{"result"})

	AdvertisedFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "advertised_files",
		Help:      "Number of files advertised to the directory by this node.",
	})

	DirectoryCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_calls_total",
		Help:      "Total number of calls made from a node to the directory service.",
	}, []string{"call", "result"})

	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
	}, []string{"handler", "method", "code"})

	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "The size of the HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"handler", "method", "code"})

	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "The number of inflight requests being handled at the same time.",
	}, []string{"handler"})
)

func Register() {
	DefaultRegisterer.MustRegister(RegistrationsTotal)
	DefaultRegisterer.MustRegister(HeartbeatsTotal)
	DefaultRegisterer.MustRegister(MappingsTotal)
	DefaultRegisterer.MustRegister(NodesByStatus)
	DefaultRegisterer.MustRegister(EvictionsTotal)
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
	DefaultRegisterer.MustRegister(ResolveCandidates)
	DefaultRegisterer.MustRegister(FetchAttemptsTotal)
	DefaultRegisterer.MustRegister(UploadsTotal)
	DefaultRegisterer.MustRegister(AdvertisedFiles)
	DefaultRegisterer.MustRegister(DirectoryCallsTotal)
	DefaultRegisterer.MustRegister(HttpRequestDurHistogram)
	DefaultRegisterer.MustRegister(HttpResponseSizeHistogram)
	DefaultRegisterer.MustRegister(HttpRequestsInflight)
}
