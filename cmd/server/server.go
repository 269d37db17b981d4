package main

import (
	"context"
	"time"

	"github.com/JaimeStill/safeguard/internal/api"
	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/internal/infrastructure"
)

type Server struct {
	cfg   *config.Config
	infra *infrastructure.Infrastructure
	api   *api.API
	http  *httpServer
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	infra, err := infrastructure.New(cfg)
	if err != nil {
		return nil, err
	}

	a, err := api.New(ctx, cfg, infra)
	if err != nil {
		return nil, err
	}

	router := buildRouter(cfg, infra.Lifecycle, a)

	infra.Logger.Info(
		"server initialized",
		"addr", cfg.Server.Addr(),
		"version", cfg.Version,
		"storage", cfg.Storage.Enabled(),
		"telemetry", infra.Telemetry.Enabled,
		"sources", len(cfg.Sync.Sources),
	)

	return &Server{
		cfg:   cfg,
		infra: infra,
		api:   a,
		http:  newHTTPServer(&cfg.Server, router, infra.Logger),
	}, nil
}

// Start brings up infrastructure, the domain's background systems, and the
// HTTP listener. Shutdown hooks run in the reverse of their dependencies:
// the listener and scheduler stop, the dispatcher drains, then Kafka and
// telemetry flush.
func (s *Server) Start() error {
	s.infra.Logger.Info("starting service")

	if err := s.infra.Start(s.cfg.ShutdownTimeoutDuration()); err != nil {
		return err
	}

	s.api.Start(s.cfg)

	if err := s.http.Start(s.infra.Lifecycle); err != nil {
		return err
	}

	go func() {
		s.infra.Lifecycle.WaitForStartup()
		s.infra.Logger.Info("all subsystems ready")
	}()

	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	s.infra.Logger.Info("initiating shutdown")
	return s.infra.Lifecycle.Shutdown(timeout)
}
