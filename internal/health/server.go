// Package health serves the minimal operational surface the core owns:
// /healthz (service heartbeats + recent errors) and /readyz. The full
// admin API is an external collaborator; nothing here
// mutates state.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aristath/asv8/internal/persistence"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Server is the health/readiness HTTP endpoint for one service.
type Server struct {
	service     string
	instance    string
	status      *persistence.StatusRepository
	orderEvents *persistence.OrderEventRepository
	ready       atomic.Bool
	httpServer  *http.Server
	log         zerolog.Logger
}

// New constructs a Server for the named service instance.
func New(service, instance string, port int, status *persistence.StatusRepository,
	orderEvents *persistence.OrderEventRepository, log zerolog.Logger) *Server {

	s := &Server{
		service:     service,
		instance:    instance,
		status:      status,
		orderEvents: orderEvents,
		log:         log.With().Str("component", "health_server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReady flips the readiness signal; wired to the service's
// first-successful-heartbeat callback.
func (s *Server) SetReady() { s.ready.Store(true) }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("health server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := map[string]interface{}{
		"service":  s.service,
		"instance": s.instance,
		"ready":    s.ready.Load(),
	}

	if statusJSON, ok, err := s.status.Get(ctx, s.service, s.instance); err == nil && ok {
		var snapshot map[string]interface{}
		if json.Unmarshal([]byte(statusJSON), &snapshot) == nil {
			body["status"] = snapshot
		}
	}

	if recent, err := s.orderEvents.RecentErrors(ctx, s.service, 10); err == nil {
		errs := make([]map[string]interface{}, 0, len(recent))
		for _, ev := range recent {
			errs = append(errs, map[string]interface{}{
				"trace_id":    ev.TraceID,
				"symbol":      ev.Symbol,
				"reason_code": ev.ReasonCode,
				"reason":      ev.Reason,
				"ts_utc":      ev.EventTsUTC.Format(time.RFC3339),
			})
		}
		body["recent_errors"] = errs
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
