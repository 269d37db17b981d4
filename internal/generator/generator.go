// Package generator provides analysis.Generator implementations.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JaimeStill/safeguard/internal/analysis"
)

const (
	ProviderGemini   = "gemini"
	ProviderDisabled = "disabled"
)

var (
	ErrDisabled        = errors.New("text generation disabled")
	ErrUnknownProvider = errors.New("unknown generator provider")
	ErrMissingAPIKey   = errors.New("generator api key required")
	ErrEmptyResponse   = errors.New("generator returned no text")
)

// Config selects and configures the provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
}

// New creates the configured generator. The disabled provider always fails,
// which sends every run down the template path.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (analysis.Generator, error) {
	logger = logger.With("system", "generator")

	switch cfg.Provider {
	case ProviderGemini:
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("generator configured", "provider", cfg.Provider, "model", g.model)
		return g, nil
	case ProviderDisabled, "":
		logger.Info("generator disabled, narratives use the fallback template")
		return Disabled{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
}

// Disabled is a Generator that never produces text.
type Disabled struct{}

func (Disabled) Generate(context.Context, analysis.Request) (string, error) {
	return "", ErrDisabled
}
