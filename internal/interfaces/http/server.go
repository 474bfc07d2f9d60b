// Package http is the operational control surface: dashboard, health, alert
// management, pause/resume, compliance override, runtime parameters, and the
// emergency stop. Mutating endpoints require the bearer token and every
// mutation is audited to the event log.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/compliance"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/orders"
	"github.com/tradepilot/tradepilot/internal/supervisor"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// Server serves the control surface.
type Server struct {
	cfg     config.HTTPConfig
	logger  zerolog.Logger
	log     eventlog.Log
	metrics *telemetry.Metrics

	sup     *supervisor.Supervisor
	manager *orders.Manager
	monitor *compliance.Monitor

	router *mux.Router
	server *http.Server
}

// NewServer wires routes over the supervisor, order manager, and compliance
// monitor.
func NewServer(cfg config.HTTPConfig, sup *supervisor.Supervisor, manager *orders.Manager,
	monitor *compliance.Monitor, log eventlog.Log, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "http").Logger(),
		log:     log,
		metrics: metrics,
		sup:     sup,
		manager: manager,
		monitor: monitor,
		router:  mux.NewRouter(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	s.router.HandleFunc("/compliance", s.handleCompliance).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleActiveOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/modify", s.handleModifyOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/fills", s.handleFills).Methods(http.MethodGet)
	api.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/emergency_stop", s.handleEmergencyStop).Methods(http.MethodPost)
	api.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)
	api.HandleFunc("/override_compliance", s.handleOverride).Methods(http.MethodPost)
	api.HandleFunc("/parameters", s.handleSetParameter).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/ack", s.handleAckAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
}

// Run serves until ctx ends, then drains with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("control surface listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// authenticate enforces the static bearer token on mutating routes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			s.writeError(w, http.StatusForbidden, "control surface disabled: no auth token configured")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// audit appends one control-surface mutation to the event log.
func (s *Server) audit(ctx context.Context, action, caller string, detail any) {
	payload := map[string]any{
		"action": action,
		"caller": caller,
		"detail": detail,
		"ts":     time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.log.Append(ctx, eventlog.KindAudit, action, payload); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit append failed")
	}
}
