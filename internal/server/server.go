// Package server exposes the real-time notification endpoint and the REST
// surface over one HTTP listener.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-rt/notifier/internal/auth"
	"github.com/odin-rt/notifier/internal/config"
	"github.com/odin-rt/notifier/internal/limits"
	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/notify"
	"github.com/odin-rt/notifier/internal/registry"
	"github.com/odin-rt/notifier/internal/store"
)

const writeWait = 5 * time.Second

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry *registry.Registry
	queue    *notify.Queue
	store    *store.Store
	jwt      *auth.JWTManager

	admission *limits.AdmissionLimiter
	cpuGuard  *limits.CPUGuard

	listener net.Listener
	httpSrv  *http.Server

	startTime    time.Time
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg *config.Config, reg *registry.Registry, queue *notify.Queue, st *store.Store, jwt *auth.JWTManager, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		registry:  reg,
		queue:     queue,
		store:     st,
		jwt:       jwt,
		startTime: time.Now(),
	}

	s.admission = limits.NewAdmissionLimiter(limits.AdmissionConfig{
		SubjectBurst: cfg.UserRateBurst,
		SubjectRate:  cfg.UserRate,
		GlobalBurst:  cfg.GlobalBurst,
		GlobalRate:   cfg.GlobalRate,
		Logger:       logger,
	})
	if cfg.CPURejectThreshold > 0 {
		s.cpuGuard = limits.NewCPUGuard(cfg.CPURejectThreshold, logger)
	}

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)

	mux.HandleFunc("GET /api/notifications", s.jwt.Middleware(s.handleListNotifications))
	mux.HandleFunc("GET /api/notifications/unread-count", s.jwt.Middleware(s.handleUnreadCount))
	mux.HandleFunc("POST /api/notifications/read-all", s.jwt.Middleware(s.handleMarkAllRead))
	mux.HandleFunc("POST /api/notifications/{id}/read", s.jwt.Middleware(s.handleMarkRead))
	mux.HandleFunc("DELETE /api/notifications/{id}", s.jwt.Middleware(s.handleDeleteNotification))
	mux.HandleFunc("GET /api/preferences", s.jwt.Middleware(s.handleGetPreferences))
	mux.HandleFunc("PUT /api/preferences/{category}", s.jwt.Middleware(s.handleSetPreference))
	return mux
}

// Start binds the listener and begins serving. Non-blocking; errors from the
// accept loop are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
	return nil
}

// Shutdown stops accepting connections, waits up to the configured grace
// period for live connections to drain, then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	active := s.registry.Stats().Connections
	s.logger.Info().
		Int("active_connections", active).
		Dur("grace_period", s.cfg.DrainGracePeriod).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.cfg.DrainGracePeriod)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case <-drainTimer.C:
			remaining := s.registry.Stats().Connections
			if remaining > 0 {
				s.logger.Warn().
					Int("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			remaining := s.registry.Stats().Connections
			if remaining == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
			s.logger.Info().
				Int("remaining_connections", remaining).
				Msg("Waiting for connections to drain")
		}
	}

	s.registry.CloseAll(registry.ReasonServerShutdown)
	s.admission.Stop()

	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections": map[string]any{
			"users":  stats.Users,
			"active": stats.Connections,
		},
		"queue": map[string]any{
			"pending": s.queue.Pending(),
		},
	})
}
