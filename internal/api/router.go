package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/relaywatch/internal/collector"
	"go.uber.org/zap"
)

// StatusSource reports the state of the running session.
type StatusSource interface {
	Status() collector.Status
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Status StatusSource
	Logger *zap.Logger

	// Metrics serves /metrics. Defaults to the prometheus default registry.
	Metrics http.Handler
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux.HandleFunc("GET /v1/status", deps.handleStatus)
	mux.Handle("GET /metrics", metrics)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

// handleStatus serves GET /v1/status.
func (d *Dependencies) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if d.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "collector not running"})
		return
	}
	writeJSON(w, http.StatusOK, d.Status.Status())
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
