// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GamesStarted counts sessions created, partitioned by forced/new.
	GamesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgame_games_started_total",
		Help: "Total game sessions created",
	}, []string{"mode"})

	// GamesFinished counts settled sessions, partitioned by first vs retry.
	GamesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgame_games_finished_total",
		Help: "Total game settlements processed",
	}, []string{"outcome"})

	// SnapshotsRecorded counts progress-record upserts.
	SnapshotsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartgame_snapshots_recorded_total",
		Help: "Total snapshot upserts accepted",
	})

	// ResumeRequests counts resume lookups by result (hit, fresh).
	ResumeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgame_resume_requests_total",
		Help: "Total resume-point lookups",
	}, []string{"result"})

	// CreditDenied counts session creations rejected for lack of hearts.
	CreditDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartgame_play_credit_denied_total",
		Help: "Session creations denied by the play-currency source",
	})

	// WebSocketClients tracks connected score-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartgame_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgame_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartgame_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the route surface is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
