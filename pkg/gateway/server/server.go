// Package server assembles the gateway's routes and middleware.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/config"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/handlers"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/lifecycle"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/metrics"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/mw"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/session"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/sessions"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

// Services carries the external adapters the routes need. Nil entries leave
// their endpoints answering 503 instead of failing startup.
type Services struct {
	Agent  session.StreamOpener
	Assets session.AssetProvider
	TTS    handlers.Synthesizer
	VLM    handlers.Analyzer
	STM    handlers.SessionStore
	LTM    handlers.MemoryService

	Health map[string]handlers.HealthChecker
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	lifecycle *lifecycle.Lifecycle
	registry  *sessions.Registry
	metrics   *metrics.Metrics
	httpSrv   *http.Server
}

func New(cfg config.Config, services Services, normalizer *text.Normalizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		registry:  sessions.NewRegistry(),
		metrics:   metrics.New(cfg.MetricsNamespace),
	}
	s.markReadiness(services)
	s.routes(services, normalizer)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// markReadiness registers each subsystem with the lifecycle so /health can
// report readiness per dependency, not just a bare up/down.
func (s *Server) markReadiness(services Services) {
	mark := func(name string, configured bool) {
		if configured {
			s.lifecycle.MarkReady(name)
		} else {
			s.lifecycle.MarkUnready(name)
		}
	}
	mark("agent", services.Agent != nil)
	mark("tts", services.TTS != nil)
	mark("vlm", services.VLM != nil)
	mark("stm", services.STM != nil)
	mark("ltm", services.LTM != nil)
}

func (s *Server) routes(services Services, normalizer *text.Normalizer) {
	s.mux.Handle("/health", handlers.HealthHandler{
		Lifecycle:   s.lifecycle,
		Services:    services.Health,
		Connections: s.registry.Count,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/chat/stream", handlers.StreamHandler{
		Config:     s.cfg,
		Agent:      services.Agent,
		Assets:     services.Assets,
		Logger:     s.logger,
		Metrics:    s.metrics,
		Lifecycle:  s.lifecycle,
		Registry:   s.registry,
		Normalizer: normalizer,
	})

	s.mux.Handle("/v1/tts/synthesize", handlers.TTSHandler{TTS: services.TTS})
	s.mux.Handle("/v1/vlm/analyze", handlers.VLMHandler{VLM: services.VLM})
	s.mux.Handle("/v1/stm/sessions", handlers.STMHandler{Store: services.STM})
	s.mux.Handle("/v1/stm/sessions/", handlers.STMHandler{Store: services.STM})
	s.mux.Handle("/v1/ltm/memories", handlers.LTMHandler{LTM: services.LTM})
	s.mux.Handle("/v1/ltm/memories/", handlers.LTMHandler{LTM: services.LTM})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.AccessLog(s.logger, h)
	h = mw.Recover(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains: new stream connections are refused, live ones are
// cancelled and awaited, then the HTTP server closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.SetDraining(true)

	if count := s.registry.Count(); count > 0 {
		s.logger.Info("closing live connections", "count", count)
	}
	if !s.registry.Shutdown(ctx) {
		s.logger.Warn("shutdown grace period elapsed with live connections", "remaining", s.registry.Count())
	}

	return s.httpSrv.Shutdown(ctx)
}

// Registry exposes the live-connection registry.
func (s *Server) Registry() *sessions.Registry { return s.registry }
