// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/monitor"
	"github.com/smartdevs17/sage-points-indexer/internal/service"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	Version       string        `json:"version"`
}

// SyncStatus is the view of the sync coordinator the health endpoints need
type SyncStatus interface {
	GetStats() monitor.Stats
	GetHealth() *monitor.HealthStatus
}

// Response is the envelope every API response is wrapped in
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HTTPServer serves the read API
type HTTPServer struct {
	config         *ServerConfig
	server         *http.Server
	router         *mux.Router
	service        *service.ReadService
	storage        storage.Storage
	sync           SyncStatus
	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// NewHTTPServer creates a new HTTP server. sync and metricsManager may be nil.
func NewHTTPServer(
	config *ServerConfig,
	svc *service.ReadService,
	storage storage.Storage,
	sync SyncStatus,
	metricsManager *metrics.Manager,
) *HTTPServer {
	s := &HTTPServer{
		config:         config,
		service:        svc,
		storage:        storage,
		sync:           sync,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http"),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods(http.MethodGet)

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/points/{address}", s.userPointsHandler).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/events/{address}", s.userEventsHandler).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/leaderboard", s.leaderboardHandler).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, utils.NewAppError(utils.ErrCodeNotFound, "Route not found", r.URL.Path))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *HTTPServer) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentHealth()
		go s.systemMetricsUpdater(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateComponentHealth()
		}
	}
}

func (s *HTTPServer) updateComponentHealth() {
	s.metricsManager.UpdateSystemMetrics()
	pm := s.metricsManager.GetPrometheusMetrics()
	if s.storage != nil {
		pm.UpdateComponentHealth("storage", s.storage.GetHealth().Healthy)
	}
	if s.sync != nil {
		pm.UpdateComponentHealth("sync", s.sync.GetHealth().Healthy)
	}
}

// Health Handlers

// healthHandler is the liveness check
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   s.config.Version,
		},
	})
}

// detailedHealthHandler reports sync progress and storage reachability.
// It answers 503 when a component is unhealthy.
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := make(map[string]interface{})

	if s.storage != nil {
		storageHealth := s.storage.GetHealth()
		healthy = healthy && storageHealth.Healthy
		components["storage"] = storageHealth
	}
	if s.sync != nil {
		syncHealth := s.sync.GetHealth()
		healthy = healthy && syncHealth.Healthy
		components["sync"] = syncHealth
		components["sync_stats"] = s.sync.GetStats()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, Response{
		Success: healthy,
		Data: map[string]interface{}{
			"status":     status,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"version":    s.config.Version,
			"components": components,
		},
	})
}

// API Handlers

func (s *HTTPServer) userPointsHandler(w http.ResponseWriter, r *http.Request) {
	points, err := s.service.GetUserPoints(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: points})
}

func (s *HTTPServer) userEventsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.GetUserEvents(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: events})
}

func (s *HTTPServer) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, utils.NewAppError(utils.ErrCodeValidation, "Invalid limit", raw))
			return
		}
		limit = parsed
	}

	entries, err := s.service.GetLeaderboard(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: entries})
}

// Utility Methods

// statusFor maps an error code onto an HTTP status
func statusFor(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes the error envelope. Details of internal failures are
// logged but not returned.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	message := "internal error"
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
		if appErr.Details != "" && status != http.StatusInternalServerError {
			message += ": " + appErr.Details
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}

	s.writeJSON(w, status, Response{Success: false, Error: message})
}
