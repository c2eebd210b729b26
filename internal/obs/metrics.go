package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the operational surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Detection and containment metrics.
var (
	ActivitiesScored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_activities_scored_total",
		Help: "Activities passed through the anomaly scorer, by result.",
	}, []string{"result"})

	BehaviorDetections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_behavior_detections_total",
		Help: "Detections emitted by the behavioral pattern detector.",
	}, []string{"pattern"})

	ContainmentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_containment_transitions_total",
		Help: "Repository security status transitions.",
	}, []string{"from", "to"})

	ContainmentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_containment_failures_total",
		Help: "Containment failures by stage.",
	}, []string{"stage"})

	AuditAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repoguard_audit_appends_total",
		Help: "Entries appended to the audit chain.",
	})

	AuditChainIssues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repoguard_audit_chain_issues",
		Help: "Issues found by the last audit chain verification.",
	})

	IntegrityFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_integrity_files_total",
		Help: "Verified repository files by resulting status.",
	}, []string{"status"})

	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "repoguard_risk_scores",
		Help:    "Distribution of computed developer risk scores.",
		Buckets: []float64{10, 30, 50, 70, 85, 100},
	})

	TokenRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_token_rotations_total",
		Help: "Vault token rotations by reason.",
	}, []string{"reason"})

	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoguard_notifications_dropped_total",
		Help: "Operator notifications dropped by rate limiting or slow subscribers.",
	}, []string{"topic"})
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ActivitiesScored, BehaviorDetections, ContainmentTransitions, ContainmentFailures,
			AuditAppends, AuditChainIssues, IntegrityFiles, RiskScores, TokenRotations,
			NotificationsDropped,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses identifiers in request paths to keep label cardinality bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "repositories" && len(parts) <= 4 {
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
