// Package httpapi exposes workflow submission, status, approvals, and the
// lifecycle event stream over HTTP.
package httpapi

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/store"
)

// Server wires the HTTP handlers. The approval gate and plan registry are
// optional; their endpoints answer 404 when the feature is disabled.
type Server struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	events   *events.Manager
	gate     *approval.Gate
	registry *plan.Registry
	health   *health.Manager
	authn    *auth.Authenticator
	logger   *zap.Logger
}

func NewServer(
	orch *orchestrator.Orchestrator,
	st *store.Store,
	ev *events.Manager,
	gate *approval.Gate,
	registry *plan.Registry,
	healthMgr *health.Manager,
	authn *auth.Authenticator,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthMgr == nil {
		healthMgr = health.NewManager(logger)
	}
	return &Server{
		orch:     orch,
		store:    st,
		events:   ev,
		gate:     gate,
		registry: registry,
		health:   healthMgr,
		authn:    authn,
		logger:   logger,
	}
}

// Handler builds the full route table. API routes go through auth (when
// enabled); health and metrics stay open for probes and scrapers.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/workflows", s.handleSubmit)
	api.HandleFunc("GET /api/v1/workflows/{id}", s.handleStatus)
	api.HandleFunc("GET /api/v1/workflows/{id}/outputs", s.handleOutputs)
	api.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.handleCancel)
	api.HandleFunc("GET /api/v1/workflows/{id}/events", s.handleEvents)
	api.HandleFunc("GET /api/v1/approvals", s.handleApprovals)
	api.HandleFunc("POST /api/v1/approvals/{id}/decision", s.handleDecision)
	api.HandleFunc("GET /api/v1/plans", s.handlePlans)

	var apiHandler http.Handler = api
	if s.authn != nil {
		apiHandler = s.authn.Middleware(apiHandler)
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/", apiHandler)
	root.Handle("GET /healthz", s.health.LivenessHandler())
	root.Handle("GET /readyz", s.health.ReadinessHandler())
	root.Handle("GET /metrics", promhttp.Handler())

	return s.recover(s.logRequests(root))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", v),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, faults.Errorf(faults.Internal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, faults.New(faults.Internal, "response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a fault category onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch faults.CategoryOf(err) {
	case faults.InvalidInput:
		code = http.StatusBadRequest
	case faults.Auth:
		code = http.StatusUnauthorized
	case faults.NotFound:
		code = http.StatusNotFound
	case faults.RateLimited:
		code = http.StatusTooManyRequests
	case faults.Timeout:
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
