package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/reconciler"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/stats"
	"github.com/flowdeck/fleet/pkg/types"
)

const defaultEventLimit = 50

// Server exposes the fleet over JSON HTTP. The assignment endpoints are
// consumed by the platform's routing proxy; the admin endpoints by
// operators.
type Server struct {
	ctrl       *controller.Controller
	stats      *stats.Service
	reconciler *reconciler.Reconciler
	logger     zerolog.Logger
	http       *http.Server
}

// NewServer creates an API server
func NewServer(ctrl *controller.Controller, statsSvc *stats.Service, rec *reconciler.Reconciler) *Server {
	return &Server{
		ctrl:       ctrl,
		stats:      statsSvc,
		reconciler: rec,
		logger:     log.WithComponent("api"),
	}
}

// Handler builds the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/assign", s.instrument("assign", s.handleAssign))
	mux.HandleFunc("GET /v1/tenants/{id}/address", s.instrument("tenant_address", s.handleTenantAddress))
	mux.HandleFunc("POST /v1/release", s.instrument("release", s.handleRelease))
	mux.HandleFunc("GET /v1/pods", s.instrument("pods", s.handlePods))
	mux.HandleFunc("GET /v1/pool/stats", s.instrument("pool_stats", s.handlePoolStats))
	mux.HandleFunc("GET /v1/stats/daily", s.instrument("daily_stats", s.handleDailyStats))
	mux.HandleFunc("GET /v1/events", s.instrument("events", s.handleEvents))

	mux.HandleFunc("POST /v1/admin/reconcile", s.instrument("admin_reconcile", s.handleReconcile))
	mux.HandleFunc("POST /v1/admin/release", s.instrument("admin_release", s.handleAdminRelease))
	mux.HandleFunc("POST /v1/admin/drain-all", s.instrument("admin_drain_all", s.handleDrainAll))
	mux.HandleFunc("POST /v1/admin/pool-target", s.instrument("admin_pool_target", s.handlePoolTarget))
	mux.HandleFunc("POST /v1/admin/cleanup", s.instrument("admin_cleanup", s.handleCleanup))

	mux.Handle("GET /healthz", metrics.HealthHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving on addr. Blocks until the listener fails or Stop
// is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// instrument wraps a handler with request counting by route and status
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type assignRequest struct {
	TenantID string `json:"tenantId"`
}

type addressResponse struct {
	Address string `json:"address"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	address, err := s.ctrl.Assign(r.Context(), req.TenantID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, addressResponse{Address: address})
}

func (s *Server) handleTenantAddress(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")

	address, err := s.ctrl.GetAddressForTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no pod assigned to tenant")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, addressResponse{Address: address})
}

type releaseRequest struct {
	PodName string `json:"podName"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PodName == "" {
		s.writeError(w, http.StatusBadRequest, "podName is required")
		return
	}

	reason := types.EventReleased
	if req.Reason != "" {
		reason = types.EventType(req.Reason)
	}

	if err := s.ctrl.Release(r.Context(), req.PodName, reason); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "pod not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	infos, err := s.stats.ListPods(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pods": infos, "count": len(infos)})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	pool, err := s.stats.PoolStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	daily, err := s.stats.Daily(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, daily)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := s.stats.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PodName == "" {
		s.writeError(w, http.StatusBadRequest, "podName is required")
		return
	}

	if err := s.ctrl.AdminRelease(r.Context(), req.PodName); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "pod not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.reconciler.Reconcile(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (s *Server) handleDrainAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DrainAll(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

type poolTargetRequest struct {
	Target int `json:"target"`
}

func (s *Server) handlePoolTarget(w http.ResponseWriter, r *http.Request) {
	var req poolTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ctrl.SetPoolTarget(r.Context(), req.Target); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"target": req.Target})
}

type cleanupRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OlderThanDays < 1 {
		s.writeError(w, http.StatusBadRequest, "olderThanDays must be at least 1")
		return
	}

	removed, err := s.ctrl.CleanupTerminated(r.Context(), time.Duration(req.OlderThanDays)*24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// writeControllerError maps controller sentinels to HTTP statuses
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "no capacity available, retry later")
	case errors.Is(err, controller.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, "fleet is shutting down")
	case errors.Is(err, controller.ErrProvisionFailed):
		s.writeError(w, http.StatusBadGateway, "pod provisioning failed")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
