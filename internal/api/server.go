// Package api exposes the optimize operations over HTTP together with the
// health, readiness, metrics, and debug endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// Optimizer is the service surface the API fronts.
type Optimizer interface {
	SubmitZeroPod(ctx context.Context, req model.ZeroPodRequest) (*model.ZeroPodResponse, error)
	Rollback(ctx context.Context, runID string) (*model.RollbackResponse, error)
	Status(ctx context.Context, runID string) (*model.StatusResponse, error)
}

// ReadinessChecker reports whether the server's dependencies are reachable.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	optimizer  Optimizer
	readiness  ReadinessChecker
	metrics    *observability.Metrics
	errs       *zerrors.ErrorCollector
	listener   net.Listener
}

// NewServer creates the HTTP server on the given port. Pass port=0 to let
// the OS pick a free port (useful for tests). When enableDebug is true,
// pprof endpoints are registered.
func NewServer(port int, optimizer Optimizer, readiness ReadinessChecker, metrics *observability.Metrics, errs *zerrors.ErrorCollector, enableDebug bool) *Server {
	s := &Server{
		optimizer: optimizer,
		readiness: readiness,
		metrics:   metrics,
		errs:      errs,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1/optimize", func(r chi.Router) {
		r.Post("/zero-pod", s.handleZeroPod)
		r.Post("/rollback/{id}", s.handleRollback)
		r.Get("/status/{id}", s.handleStatus)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server exited", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address once Start has succeeded.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleZeroPod(w http.ResponseWriter, r *http.Request) {
	var req model.ZeroPodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &zerrors.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	resp, err := s.optimizer.SubmitZeroPod(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	resp, err := s.optimizer.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.optimizer.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.readiness.IsReady(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"ready": ready}
	if s.errs != nil {
		if codes := s.errs.GetActiveErrorCodes(); len(codes) > 0 {
			body["active_errors"] = codes
		}
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

// writeError maps typed service errors to HTTP statuses. Unknown errors
// surface as 500 without leaking internals beyond the message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""

	var verr *zerrors.ValidationError
	var cperr *zerrors.ControlPlaneError
	var oerr *zerrors.OptimizerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		code = string(zerrors.CodeValidation)
	case errors.As(err, &cperr):
		status = http.StatusBadGateway
		code = string(zerrors.CodeControlPlane)
	case errors.As(err, &oerr):
		code = string(oerr.Code)
		switch oerr.Code {
		case zerrors.CodeRunNotFound:
			status = http.StatusNotFound
		case zerrors.CodeRollbackExpired:
			status = http.StatusGone
		}
	}

	s.writeJSON(w, status, model.ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Timestamp: time.Now().UTC(),
	})
}

// instrument records per-route request durations.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
