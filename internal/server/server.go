// Package server wires the HTTP surface: the device-facing v1 API,
// the operator API, the admin event stream and the health and metrics
// endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"droidfleet.sh/internal/artifact"
	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/ingest"
	"droidfleet.sh/internal/middleware"
	"droidfleet.sh/internal/ota"
	"droidfleet.sh/internal/scheduler"
	"droidfleet.sh/internal/security"
	"droidfleet.sh/internal/store"
)

const shutdownTimeout = 15 * time.Second

// Server is the HTTP front of the control plane.
type Server struct {
	cfg    *config.Config
	db     *database.DB
	logger *slog.Logger

	devices    store.DeviceStore
	heartbeats store.HeartbeatStore
	dispatches store.DispatchStore
	snapshots  store.SnapshotStore
	builds     store.BuildStore
	partitions store.PartitionStore

	ingest     *ingest.Service
	dispatcher *dispatch.Dispatcher
	bulk       *dispatch.BulkRunner
	ota        *ota.Service
	artifacts  *artifact.Store
	hub        *events.Hub
	sched      *scheduler.Scheduler
	sessions   *security.SessionManager

	deviceLimiter *middleware.RateLimiter
	adminLimiter  *middleware.RateLimiter
	credLimiter   *middleware.RateLimiter
	valkeyLimiter *middleware.ValkeyRateLimiter

	httpServer *http.Server
}

// Deps carries the constructed collaborators into the server.
type Deps struct {
	DB         *database.DB
	Devices    store.DeviceStore
	Heartbeats store.HeartbeatStore
	Dispatches store.DispatchStore
	Snapshots  store.SnapshotStore
	Builds     store.BuildStore
	Partitions store.PartitionStore
	Ingest     *ingest.Service
	Dispatcher *dispatch.Dispatcher
	Bulk       *dispatch.BulkRunner
	OTA        *ota.Service
	Artifacts  *artifact.Store
	Hub        *events.Hub
	Scheduler  *scheduler.Scheduler
	Sessions   *security.SessionManager
}

// New assembles the server and its routes.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		db:         deps.DB,
		logger:     slog.Default().With("component", "server"),
		devices:    deps.Devices,
		heartbeats: deps.Heartbeats,
		dispatches: deps.Dispatches,
		snapshots:  deps.Snapshots,
		builds:     deps.Builds,
		partitions: deps.Partitions,
		ingest:     deps.Ingest,
		dispatcher: deps.Dispatcher,
		bulk:       deps.Bulk,
		ota:        deps.OTA,
		artifacts:  deps.Artifacts,
		hub:        deps.Hub,
		sched:      deps.Scheduler,
		sessions:   deps.Sessions,
	}

	s.deviceLimiter = middleware.NewRateLimiter("device", middleware.DefaultDeviceRateLimit())
	s.adminLimiter = middleware.NewRateLimiter("admin", middleware.DefaultAdminRateLimit())
	s.credLimiter = middleware.NewRateLimiter("credential", middleware.DefaultCredentialRateLimit())
	if cfg.ValkeyAddr != "" {
		// Shared window across replicas; the in-process limiters stay
		// on as a local backstop.
		s.valkeyLimiter = middleware.NewValkeyRateLimiter(cfg.ValkeyAddr, "device", 600, 60)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Key", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "X-Reason", "Retry-After"},
		AllowCredentials: false,
	}).Handler(s.routes())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// routes builds the mux. Middleware order is request-id, logging,
// metrics, then per-surface rate limits and auth.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	deviceAuth := middleware.DeviceAuth(s.devices, writeError)
	adminAuth := middleware.AdminAuth(s.cfg.AdminKey, s.sessions, writeError)
	bodyLimit := middleware.BodyLimit(middleware.MaxBodyBytes, writeError)

	device := func(h http.HandlerFunc) http.Handler {
		chain := []func(http.Handler) http.Handler{
			s.deviceLimiter.Middleware(writeError),
			deviceAuth,
			bodyLimit,
		}
		if s.valkeyLimiter != nil {
			chain = append([]func(http.Handler) http.Handler{s.valkeyLimiter.Middleware(writeError)}, chain...)
		}
		return middleware.Chain(h, chain...)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, s.adminLimiter.Middleware(writeError), adminAuth)
	}

	// Device surface.
	mux.Handle("POST /v1/heartbeat", device(s.handleHeartbeat))
	mux.Handle("POST /v1/action-result", device(s.handleActionResult))
	mux.Handle("GET /v1/agent/update", device(s.handleManifestCheck))
	mux.Handle("GET /v1/agent/download/{build_id}", device(s.handleArtifactDownload))
	mux.Handle("POST /v1/apk/installation/update", device(s.handleInstallReport))

	// Operator surface. Session login takes credentials, so it gets the
	// tighter per-IP budget instead of the general one.
	mux.Handle("POST /v1/admin/session", middleware.Chain(http.HandlerFunc(s.handleSessionLogin), s.credLimiter.Middleware(writeError)))
	mux.Handle("GET /v1/devices", admin(s.handleListDevices))
	mux.Handle("POST /v1/devices", admin(s.handleCreateDevice))
	mux.Handle("GET /v1/devices/{id}", admin(s.handleGetDevice))
	mux.Handle("PATCH /v1/devices/{id}", admin(s.handleUpdateDevice))
	mux.Handle("DELETE /v1/devices/{id}", admin(s.handleDeleteDevice))
	mux.Handle("POST /v1/devices/{id}/token/rotate", admin(s.handleRotateToken))
	mux.Handle("POST /v1/devices/{id}/token/revoke", admin(s.handleRevokeToken))
	mux.Handle("GET /v1/devices/{id}/status", admin(s.handleDeviceStatus))
	mux.Handle("GET /v1/devices/{id}/heartbeats", admin(s.handleDeviceHistory))
	mux.Handle("GET /v1/devices/{id}/dispatches", admin(s.handleDeviceDispatches))
	mux.Handle("GET /v1/fleet/status", admin(s.handleFleetStatus))

	mux.Handle("POST /v1/devices/{id}/command", admin(s.handleSendCommand))
	mux.Handle("POST /v1/remote-exec", admin(s.handleBulkExec))
	mux.Handle("GET /v1/remote-exec/{exec_id}", admin(s.handleBulkStatus))
	mux.Handle("POST /v1/selections", admin(s.handleCreateSnapshot))
	mux.Handle("GET /v1/selections/{id}", admin(s.handleGetSnapshot))

	mux.Handle("POST /v1/agent/builds", admin(s.handleUploadBuild))
	mux.Handle("GET /v1/agent/builds", admin(s.handleListBuilds))
	mux.Handle("POST /v1/agent/builds/{id}/promote", admin(s.handlePromoteBuild))
	mux.Handle("POST /v1/agent/builds/{id}/rollout", admin(s.handleSetRollout))
	mux.Handle("POST /v1/agent/builds/{id}/rollback", admin(s.handleRollback))
	mux.Handle("GET /v1/agent/builds/{id}/stats", admin(s.handleBuildStats))
	mux.Handle("POST /v1/agent/nudge", admin(s.handleNudge))

	mux.Handle("POST /v1/jobs/{name}/run", admin(s.handleRunJob))
	mux.Handle("GET /v1/partitions", admin(s.handleListPartitions))
	mux.Handle("GET /v1/system/pool", admin(s.handlePoolHealth))
	mux.Handle("GET /ws/admin", http.HandlerFunc(s.handleAdminWS))
	mux.Handle("GET /metrics", admin(promhttp.Handler().ServeHTTP))

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logging,
		middleware.Metrics,
	)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the limiters.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.deviceLimiter.Stop()
	s.adminLimiter.Stop()
	s.credLimiter.Stop()
	if s.valkeyLimiter != nil {
		if err := s.valkeyLimiter.Close(); err != nil {
			s.logger.Warn("Valkey limiter close failed", "error", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.Health())
}
