// Package analysis turns a de-identified assessment into a narrative draft.
// The generator only ever sees tokens. Every draft is leak-checked before it
// leaves the stage, and any failure degrades to a deterministic template so a
// report is always produced.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
	"github.com/JaimeStill/safeguard/pkg/formatting"
)

// Strictness selects the leak-detection level.
type Strictness string

const (
	// Standard rejects token-shaped text the session never issued.
	Standard Strictness = "standard"
	// Strict also rejects any registered real identifier appearing verbatim.
	Strict Strictness = "strict"
)

// ParseStrictness validates a strictness name.
func ParseStrictness(s string) (Strictness, error) {
	switch v := Strictness(strings.ToLower(s)); v {
	case Standard, Strict:
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidStrictness, s)
}

// Source records how a draft was produced.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// TokenizedContext is everything the stage may know about the people
// involved.
type TokenizedContext struct {
	SessionID uuid.UUID
	Subject   tokenizer.Token
	Peers     []tokenizer.Token
}

// Draft is tokenized narrative text awaiting localization.
type Draft struct {
	SessionID       uuid.UUID `json:"-"`
	Summary         string    `json:"summary"`
	Observations    []string  `json:"observations"`
	Recommendations []string  `json:"recommendations"`
	Source          Source    `json:"source"`
	FallbackReason  string    `json:"fallback_reason,omitempty"`
}

// Text joins every narrative field, one per line.
func (d Draft) Text() string {
	parts := make([]string, 0, 1+len(d.Observations)+len(d.Recommendations))
	parts = append(parts, d.Summary)
	parts = append(parts, d.Observations...)
	parts = append(parts, d.Recommendations...)
	return strings.Join(parts, "\n")
}

// Request is a single generation call.
type Request struct {
	Prompt    string
	MaxTokens int32
}

// Generator is the external text-generation capability.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// LeakOracle answers leak-detection questions for a token session.
type LeakOracle interface {
	Issued(sessionID uuid.UUID) (map[tokenizer.Token]struct{}, error)
	ExposesIdentity(sessionID uuid.UUID, text string) (bool, error)
}

// Config bounds the stage.
type Config struct {
	Timeout    time.Duration
	MaxTokens  int32
	Strictness Strictness
}

type response struct {
	Summary         string   `json:"summary"`
	Observations    []string `json:"observations"`
	Recommendations []string `json:"recommendations"`
}

// Stage runs the generator with a deadline and validates its output.
type Stage struct {
	gen      Generator
	oracle   LeakOracle
	cfg      Config
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures a Stage.
type Option func(*Stage)

// WithNotifier emits an event for every suspected leak.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Stage) { s.notifier = n }
}

func New(gen Generator, oracle LeakOracle, cfg Config, logger *slog.Logger, opts ...Option) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Strictness == "" {
		cfg.Strictness = Standard
	}

	s := &Stage{
		gen:    gen,
		oracle: oracle,
		cfg:    cfg,
		logger: logger.With("system", "analysis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze produces a draft for the assessment. Generator failures, timeouts,
// malformed output and suspected leaks all yield the fallback draft. The only
// error returned is the caller's own context cancellation.
func (s *Stage) Analyze(ctx context.Context, tc TokenizedContext, a risk.Assessment) (Draft, error) {
	start := time.Now()

	text, err := s.generate(ctx, Compose(tc, a))
	if err != nil {
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}
		return s.fallback(ctx, tc, a, err), nil
	}

	resp, err := formatting.Parse[response](text)
	if err != nil {
		return s.fallback(ctx, tc, a, fmt.Errorf("%w: %w", ErrMalformedResponse, err)), nil
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return s.fallback(ctx, tc, a, fmt.Errorf("%w: empty summary", ErrMalformedResponse)), nil
	}

	d := Draft{
		SessionID:       tc.SessionID,
		Summary:         resp.Summary,
		Observations:    resp.Observations,
		Recommendations: resp.Recommendations,
		Source:          SourceGenerated,
	}

	if err := s.checkLeaks(tc.SessionID, d.Text()); err != nil {
		s.audit(ctx, tc.SessionID, err)
		return s.fallback(ctx, tc, a, err), nil
	}

	s.logger.InfoContext(ctx, "draft generated",
		"session_id", tc.SessionID,
		"observations", len(d.Observations),
		"recommendations", len(d.Recommendations),
		"duration", time.Since(start),
	)

	return d, nil
}

func (s *Stage) generate(ctx context.Context, prompt string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		text, err := s.gen.Generate(gctx, Request{Prompt: prompt, MaxTokens: s.cfg.MaxTokens})
		ch <- result{text, err}
	}()

	select {
	case <-gctx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrUpstreamTimeout
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: %w", ErrUpstreamTimeout, r.err)
		}
		return r.text, r.err
	}
}

func (s *Stage) checkLeaks(sessionID uuid.UUID, text string) error {
	issued, err := s.oracle.Issued(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityLeakSuspected, err)
	}

	for _, m := range tokenizer.SuspectPattern().FindAllString(text, -1) {
		if _, ok := issued[tokenizer.Token(m)]; !ok {
			return fmt.Errorf("%w: unissued token-shaped text", ErrIdentityLeakSuspected)
		}
	}

	if s.cfg.Strictness == Strict {
		exposed, err := s.oracle.ExposesIdentity(sessionID, text)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIdentityLeakSuspected, err)
		}
		if exposed {
			return fmt.Errorf("%w: registered identifier in draft", ErrIdentityLeakSuspected)
		}
	}

	return nil
}

func (s *Stage) audit(ctx context.Context, sessionID uuid.UUID, reason error) {
	s.logger.WarnContext(ctx, "generated draft rejected",
		"audit", true,
		"session_id", sessionID,
		"reason", reason.Error(),
	)

	if s.notifier == nil {
		return
	}

	e := notify.NewEvent(notify.KindLeakSuspected, map[string]string{
		"session_id": sessionID.String(),
		"strictness": string(s.cfg.Strictness),
	})
	if err := s.notifier.Emit(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("leak event not queued", "session_id", sessionID, "error", err)
	}
}

func (s *Stage) fallback(ctx context.Context, tc TokenizedContext, a risk.Assessment, reason error) Draft {
	s.logger.WarnContext(ctx, "using fallback narrative",
		"session_id", tc.SessionID,
		"reason", reason.Error(),
	)

	d := Template(tc, a)
	d.FallbackReason = fallbackReason(reason)
	return d
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrIdentityLeakSuspected):
		return "leak_suspected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	}
	return "generator_error"
}
