// Package server provides the operator HTTP surface: Prometheus metrics, health
// probes, and read/repair endpoints for locks, the cache and checkpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/health"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/service"
	"github.com/devrev/assetstore/internal/storage/versionlock"
	"github.com/devrev/assetstore/internal/validation"
	"github.com/devrev/assetstore/internal/vision"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the components the operator endpoints expose
type Deps struct {
	Metrics     *metrics.Metrics
	Health      *health.HealthChecker
	Locker      *versionlock.Locker
	Versions    *service.VersionService
	Cache       *service.CacheService
	Checkpoints *vision.CheckpointStore
}

// OperatorServer serves metrics, probes and operator endpoints via HTTP
type OperatorServer struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	logger     *zap.Logger
}

// NewOperatorServer creates the server and registers its routes
func NewOperatorServer(cfg config.MetricsConfig, deps Deps, logger *zap.Logger) *OperatorServer {
	router := mux.NewRouter()
	s := &OperatorServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logging.OrNop(logger),
	}
	s.setupRoutes(cfg.Path)
	return s
}

func (s *OperatorServer) setupRoutes(metricsPath string) {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))

	s.router.Handle(metricsPath, promhttp.HandlerFor(s.deps.Metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if s.deps.Health != nil {
		s.router.HandleFunc("/health", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/cache/stats", s.cacheStats).Methods(http.MethodGet)
	v1.HandleFunc("/cache/cleanup", s.cacheCleanup).Methods(http.MethodPost)
	v1.HandleFunc("/cache/sources/{source_id}", s.invalidateSource).Methods(http.MethodDelete)

	v1.HandleFunc("/assets/{asset_id}/versions", s.listVersions).Methods(http.MethodGet)

	v1.HandleFunc("/locks/stale", s.staleLocks).Methods(http.MethodGet)
	v1.HandleFunc("/locks/{asset_id}", s.inspectLock).Methods(http.MethodGet)
	v1.HandleFunc("/locks/{asset_id}", s.breakLock).Methods(http.MethodDelete)

	v1.HandleFunc("/checkpoints", s.listCheckpoints).Methods(http.MethodGet)
	v1.HandleFunc("/checkpoints/{batch_id}", s.getCheckpoint).Methods(http.MethodGet)
	v1.HandleFunc("/checkpoints/{batch_id}", s.deleteCheckpoint).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:    "error",
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
}

// Handler returns the routed handler
func (s *OperatorServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *OperatorServer) Start() error {
	s.logger.Info("Starting operator server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start operator server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *OperatorServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping operator server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("operator server shutdown failed: %w", err)
	}
	return nil
}

func (s *OperatorServer) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *OperatorServer) cacheCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Cache.Cleanup()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *OperatorServer) invalidateSource(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	removed, err := s.deps.Cache.InvalidateBySource(sourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"source_id": sourceID, "removed": removed})
}

func (s *OperatorServer) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Versions.ListVersions(mux.Vars(r)["asset_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *OperatorServer) staleLocks(w http.ResponseWriter, r *http.Request) {
	stale, err := s.deps.Locker.ListStale()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stale == nil {
		stale = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stale": stale})
}

func (s *OperatorServer) inspectLock(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["asset_id"]
	if err := validation.ValidateAssetID(assetID); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.deps.Locker.Inspect(assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if info == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:    "error",
			ErrorCode: "LOCK_NOT_FOUND",
			Message:   fmt.Sprintf("no version lock held for asset %s", assetID),
			RequestID: r.Header.Get("X-Request-ID"),
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *OperatorServer) breakLock(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["asset_id"]
	if err := validation.ValidateAssetID(assetID); err != nil {
		s.writeError(w, r, err)
		return
	}
	broken, err := s.deps.Locker.ForceBreak(assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset_id": assetID, "broken": broken})
}

func (s *OperatorServer) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Checkpoints.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": ids})
}

func (s *OperatorServer) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.deps.Checkpoints.Load(mux.Vars(r)["batch_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *OperatorServer) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Checkpoints.Delete(mux.Vars(r)["batch_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
