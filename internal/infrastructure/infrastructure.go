// Package infrastructure assembles the systems every domain component depends
// on: logging, lifecycle coordination, the database, optional report archive
// storage, and telemetry providers.
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/internal/telemetry"
	"github.com/JaimeStill/safeguard/pkg/database"
	"github.com/JaimeStill/safeguard/pkg/lifecycle"
	"github.com/JaimeStill/safeguard/pkg/storage"
)

// Infrastructure holds the core systems required by all domain components.
// Storage is nil when no archive connection string is configured.
type Infrastructure struct {
	Lifecycle *lifecycle.Coordinator
	Logger    *slog.Logger
	Database  database.System
	Storage   storage.System
	Telemetry *telemetry.Providers
}

// New creates an Infrastructure from the application configuration.
// It initializes all systems but does not start them; call Start separately.
func New(cfg *config.Config) (*Infrastructure, error) {
	lc := lifecycle.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}

	var store storage.System
	if cfg.Storage.Enabled() {
		store, err = storage.New(&cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("storage init failed: %w", err)
		}
	}

	providers, err := telemetry.NewProviders(
		context.Background(),
		cfg.Telemetry.Endpoint,
		cfg.Telemetry.ServiceName,
		cfg.Version,
		cfg.Telemetry.Insecure,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	return &Infrastructure{
		Lifecycle: lc,
		Logger:    logger,
		Database:  db,
		Storage:   store,
		Telemetry: providers,
	}, nil
}

// Start registers all infrastructure systems with the lifecycle coordinator
// and adds their readiness probes. Telemetry is installed globally and
// flushed on shutdown within flushTimeout.
func (i *Infrastructure) Start(flushTimeout time.Duration) error {
	i.Telemetry.SetGlobal()
	i.Telemetry.Start(i.Lifecycle, flushTimeout, i.Logger)

	if err := i.Database.Start(i.Lifecycle); err != nil {
		return fmt.Errorf("database start failed: %w", err)
	}
	i.Lifecycle.AddProbe("database", i.Database.Ready)

	if i.Storage != nil {
		if err := i.Storage.Start(i.Lifecycle); err != nil {
			return fmt.Errorf("storage start failed: %w", err)
		}
		i.Lifecycle.AddProbe("storage", func(context.Context) error {
			return i.Storage.Ready()
		})
	}
	return nil
}
