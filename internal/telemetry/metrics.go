// Package telemetry holds the process-wide Prometheus registry and the
// RHPMAN gauges and counters: election activity, current role,
// storage/buffer occupancy, pending lookups, and duplicate drops, plus
// HTTP middleware for the debug endpoints.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by the node's debug endpoints.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rhpman",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests served by the node's debug endpoints.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Protocol engine metrics ----

	Role = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "role",
			Help:      "Current role: 0=NonReplicating, 1=Replicating.",
		},
	)

	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "elections_started_total",
			Help:      "Number of elections this node has entered Collecting for.",
		},
	)

	RoleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "role_transitions_total",
			Help:      "Number of role transitions, labeled by direction.",
		},
		[]string{"direction"}, // "step_up" | "step_down"
	)

	StorageOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "storage_items",
			Help:      "Number of items currently held in Storage.",
		},
	)

	BufferOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "buffer_items",
			Help:      "Number of items currently held in the forwarding Buffer.",
		},
	)

	PendingLookups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "pending_lookups",
			Help:      "Number of outstanding lookup requests awaiting a Response or timeout.",
		},
	)

	LookupOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "lookup_outcomes_total",
			Help:      "Lookup outcomes, labeled by result.",
		},
		[]string{"result"}, // "success" | "failure" | "self_hit"
	)

	DuplicateDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "duplicate_envelopes_dropped_total",
			Help:      "Number of inbound envelopes dropped as duplicates of an already-seen id.",
		},
	)

	StoreOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rhpman",
			Name:      "store_overflows_total",
			Help:      "Number of Store/save attempts rejected because Storage or Buffer was full.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "rhpman",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		Role, ElectionsStarted, RoleTransitions,
		StorageOccupancy, BufferOccupancy, PendingLookups,
		LookupOutcomes, DuplicateDrops, StoreOverflows,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
