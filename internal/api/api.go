// Package api assembles the domain systems and mounts their routes under the
// configured base path.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/internal/infrastructure"
	"github.com/JaimeStill/safeguard/pkg/middleware"
)

// API is the assembled HTTP surface and the domain behind it.
type API struct {
	Runtime *Runtime
	Domain  *Domain
	Handler http.Handler
}

// New builds the domain and wraps its routes with CORS, request logging,
// and the request body limit.
func New(ctx context.Context, cfg *config.Config, infra *infrastructure.Infrastructure) (*API, error) {
	runtime := NewRuntime(cfg, infra)

	domain, err := NewDomain(ctx, cfg, runtime)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, domain, runtime)

	mw := middleware.New()
	mw.Use(middleware.CORS(&cfg.API.CORS))
	mw.Use(middleware.Logger(runtime.Logger))
	mw.Use(middleware.MaxBytes(cfg.API.MaxBodySizeBytes()))

	prefix := strings.TrimSuffix(cfg.API.BasePath, "/")
	var handler http.Handler = mux
	if prefix != "" {
		handler = http.StripPrefix(prefix, mux)
	}

	return &API{
		Runtime: runtime,
		Domain:  domain,
		Handler: mw.Apply(handler),
	}, nil
}

// Start registers the domain's background systems.
func (a *API) Start(cfg *config.Config) {
	a.Domain.Start(cfg, a.Runtime)
}

// Prefix returns the pattern the API handler is mounted under.
func Prefix(cfg *config.Config) string {
	prefix := strings.TrimSuffix(cfg.API.BasePath, "/")
	if prefix == "" {
		return "/"
	}
	return prefix + "/"
}
