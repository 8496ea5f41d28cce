// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Items that reached a terminal state, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_attempts_total",
			Help: "Page attempts, labeled by attempt outcome.",
		},
		[]string{"outcome"},
	)

	challengeWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_challenge_wait_seconds",
			Help:    "Waits spent on anti-bot challenge pages.",
			Buckets: []float64{1, 10, 60, 300, 600, 1800, 3600},
		},
	)

	sessionRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_session_restarts_total",
			Help: "Browser session restarts, labeled by reason.",
		},
		[]string{"reason"},
	)

	checkpointRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_checkpoint_records",
			Help: "Records currently held in the checkpoint.",
		},
	)

	checkpointSaveSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_checkpoint_save_seconds",
			Help:    "Latency of checkpoint writes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_notifications_total",
			Help: "Operator notifications, labeled by sink and delivery status.",
		},
		[]string{"sink", "status"},
	)

	discoveredLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_discovered_links_total",
			Help: "Product links found by catalog discovery, labeled by site.",
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// RecordItem counts an item reaching a terminal state.
func RecordItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// RecordAttempt counts one page attempt.
func RecordAttempt(outcome string) {
	attemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordChallengeWait observes a challenge backoff.
func RecordChallengeWait(d time.Duration) {
	challengeWaitSeconds.Observe(d.Seconds())
}

// RecordSessionRestart counts a browser relaunch.
func RecordSessionRestart(reason string) {
	sessionRestartsTotal.WithLabelValues(reason).Inc()
}

// SetCheckpointRecords reports the checkpoint size.
func SetCheckpointRecords(n int) {
	checkpointRecords.Set(float64(n))
}

// ObserveCheckpointSave records how long a checkpoint write took.
func ObserveCheckpointSave(d time.Duration) {
	checkpointSaveSeconds.Observe(d.Seconds())
}

// RecordNotification counts a delivery attempt to a sink.
func RecordNotification(sink, status string) {
	notificationsTotal.WithLabelValues(sink, status).Inc()
}

// RecordDiscoveredLinks counts product links found on site.
func RecordDiscoveredLinks(site string, n int) {
	if n <= 0 {
		return
	}
	discoveredLinksTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
