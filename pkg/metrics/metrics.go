// Package metrics exposes the pulse pipeline's Prometheus collectors: one
// package-level Registry, pre-declared per-component metrics, and an HTTP
// instrumentation helper for the admin mux.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

var (
	// Registry holds every collector this module registers.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight admin HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total admin HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of admin HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	// EventsIngested counts events the notifier has handed to the engine,
	// by registry (identity|reputation|validation).
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Total events observed by the notifier, by registry.",
	}, []string{"registry"})

	// NotifierDegraded reports whether the notifier has fallen back from
	// LISTEN/NOTIFY to polling-only catch-up mode.
	NotifierDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "degraded",
		Help:      "1 when the notifier has lost its LISTEN connection and is polling, 0 otherwise.",
	})

	// TriggersEvaluated counts condition evaluations by kind and outcome.
	TriggersEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "conditions_evaluated_total",
		Help:      "Total condition evaluations, by condition kind and match outcome.",
	}, []string{"kind", "matched"})

	// TriggersMatched counts triggers whose full conjunctive condition set
	// matched for a given event.
	TriggersMatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "triggers_matched_total",
		Help:      "Total triggers whose conditions all matched an event.",
	}, []string{"registry"})

	// EngineQueryCount observes how many trigger-store queries one event's
	// evaluation cycle issued; the batch-load invariant caps this at 3.
	EngineQueryCount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "trigger_store_queries",
		Help:      "Number of trigger-store queries issued per event evaluation cycle.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// CacheHits/CacheMisses count state cache lookups.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total state cache hits.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total state cache misses.",
	})
	CacheDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "degraded",
		Help:      "1 when the state cache has fallen back to authoritative-store-only mode.",
	})

	// QueueDepth reports the current per-kind queue depth.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of jobs queued, by action kind.",
	}, []string{"kind"})

	// JobsEnqueued/JobsDequeued/JobsDLQd count queue lifecycle transitions.
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total action jobs enqueued, by kind.",
	}, []string{"kind"})
	JobsDLQd = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_dead_lettered_total",
		Help:      "Total action jobs moved to the dead letter queue, by kind and reason.",
	}, []string{"kind", "reason"})

	// TemplateUnknownVariables counts placeholders a render call could not
	// resolve against the closed template whitelist.
	TemplateUnknownVariables = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "template",
		Name:      "unknown_variables_total",
		Help:      "Total unresolved {{variable}} placeholders encountered while rendering, by variable name.",
	}, []string{"variable"})

	// WorkerDeliveries counts delivery attempts by kind and outcome.
	WorkerDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "deliveries_total",
		Help:      "Total action delivery attempts, by kind and outcome.",
	}, []string{"kind", "outcome"})
	WorkerDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of action delivery attempts, by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"kind"})

	// LimiterDecisions counts allow/deny outcomes from the sliding-window
	// limiter, by mode: redis|fallback from the limiter itself, and worker
	// for denials the delivery worker acts on.
	LimiterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Total rate limiter decisions, by mode and result.",
	}, []string{"mode", "result"})
	LimiterFallback = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "fallback_active",
		Help:      "1 when the limiter has fallen back to the in-process approximate limiter.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		EventsIngested,
		NotifierDegraded,
		TriggersEvaluated,
		TriggersMatched,
		EngineQueryCount,
		CacheHits,
		CacheMisses,
		CacheDegraded,
		QueueDepth,
		JobsEnqueued,
		JobsDLQd,
		TemplateUnknownVariables,
		WorkerDeliveries,
		WorkerDeliveryDuration,
		LimiterDecisions,
		LimiterFallback,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors over HTTP for the admin mux's
// /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request count/duration/in-flight
// tracking, skipping the /metrics route itself to avoid self-measurement
// noise.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters (e.g. /debug/dlq/http_webhook) so
// the requests_total cardinality doesn't grow with the number of distinct
// action kinds seen.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] == "debug" && len(parts) >= 2 {
		return "/debug/" + parts[1] + "/:kind"
	}
	return "/" + parts[0]
}
