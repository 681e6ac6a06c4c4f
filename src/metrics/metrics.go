package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Abhi270303/RugLens/src/detection"
)

type DetectorMetrics struct {
	Detections             *prometheus.CounterVec
	Findings               *prometheus.CounterVec
	DetectionDuration      prometheus.Histogram
	HTTPRequests           *prometheus.CounterVec
	ContractsDiscovered    prometheus.Counter
	RPCStalled             prometheus.Gauge
	ActiveRPC              *prometheus.GaugeVec
	RPCLatency             prometheus.Histogram
	RPCCircuitBreakerTrips *prometheus.CounterVec
	ChainIDFetchFailures   *prometheus.CounterVec
	FetchCacheHits         prometheus.Counter
	ActiveSubscriptions    prometheus.Gauge
}

func NewDetectorMetrics() *DetectorMetrics {
	return &DetectorMetrics{
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruglens_detections_total",
			Help: "Total number of detection runs by verdict",
		}, []string{"result"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruglens_findings_total",
			Help: "Total number of findings emitted per kind and severity",
		}, []string{"kind", "severity"}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruglens_detection_duration_seconds",
			Help:    "Time taken to evaluate one request in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruglens_http_requests_total",
			Help: "Total number of API requests per route and status code",
		}, []string{"route", "code"}),
		ContractsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruglens_contracts_discovered_total",
			Help: "Total number of new contract deployments seen by the watcher",
		}),
		RPCStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ruglens_rpc_stalled",
			Help: "Indicates if the RPC connection is stalled (1=stalled, 0=healthy)",
		}),
		ActiveRPC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ruglens_active_rpc",
			Help: "Indicates which RPC endpoint is currently active (1=active, 0=inactive)",
		}, []string{"url"}),
		RPCLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruglens_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		RPCCircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruglens_rpc_circuit_breaker_trips_total",
			Help: "Total number of times the RPC circuit breaker has been tripped per endpoint",
		}, []string{"url"}),
		ChainIDFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruglens_chain_id_fetch_failures_total",
			Help: "Total number of failed ChainID fetch attempts",
		}, []string{"url"}),
		FetchCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruglens_fetch_cache_hits_total",
			Help: "Total number of bytecode lookups served from cache",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ruglens_active_subscriptions",
			Help: "Current number of active head subscriptions",
		}),
	}
}

func (m *DetectorMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.Detections, m.Findings, m.DetectionDuration, m.HTTPRequests, m.ContractsDiscovered, m.RPCStalled, m.ActiveRPC, m.RPCLatency, m.RPCCircuitBreakerTrips, m.ChainIDFetchFailures, m.FetchCacheHits, m.ActiveSubscriptions)
}

// ObserveResult records one detection run. A nil receiver is a no-op so
// callers can run without metrics.
func (m *DetectorMetrics) ObserveResult(res detection.DetectionResult, took time.Duration) {
	if m == nil {
		return
	}
	m.DetectionDuration.Observe(took.Seconds())
	if res.Detected {
		m.Detections.WithLabelValues("detected").Inc()
	} else {
		m.Detections.WithLabelValues("clean").Inc()
	}
	for _, f := range res.Findings {
		m.Findings.WithLabelValues(f.Kind, strings.ToLower(string(f.Severity))).Inc()
	}
}
