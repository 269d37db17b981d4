package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/patterns"
)

// Thresholds are the lower score bounds of each band above Low.
type Thresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Band maps a score to its band.
func (t Thresholds) Band(score float64) Band {
	switch {
	case score >= t.Critical:
		return Critical
	case score >= t.High:
		return High
	case score >= t.Medium:
		return Medium
	}
	return Low
}

// Config is the scoring configuration. Every value is policy, not a constant.
type Config struct {
	Weights    map[string]float64 `json:"weights"`
	Thresholds Thresholds         `json:"thresholds"`
	Rules      Rules              `json:"rules"`
	MinSignals int                `json:"min_signals"`
	Policy     string             `json:"policy,omitempty"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"incident_count_24h": 0.5,
			"incident_count_7d":  1.0,
			"negative_rate_30d":  2.0,
			"peer_co_occurrence": 0.5,
			"weekday_cluster":    0.25,
			"period_cluster":     0.25,
			"positive_count_30d": -0.1,
		},
		Thresholds: Thresholds{Medium: 2, High: 3, Critical: 6},
		Rules:      DefaultRules(),
		MinSignals: 1,
	}
}

// Validate checks that thresholds ascend.
func (c Config) Validate() error {
	t := c.Thresholds
	if !(t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("%w: medium=%v high=%v critical=%v", ErrInvalidThresholds, t.Medium, t.High, t.Critical)
	}
	return nil
}

// Version is a short digest identifying the scoring configuration.
// encoding/json sorts map keys, so equal configs share a version.
func (c Config) Version() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return "cfg-" + hex.EncodeToString(sum[:])[:12]
}

// Assessment is the immutable outcome of scoring one subject.
type Assessment struct {
	ID               uuid.UUID          `json:"id"`
	SubjectID        string             `json:"subject_id"`
	Score            float64            `json:"score"`
	Band             Band               `json:"band"`
	Signals          []patterns.Signal  `json:"signals"`
	Contributions    map[string]float64 `json:"contributions"`
	InsufficientData bool               `json:"insufficient_data"`
	PreviousLevel    Level              `json:"previous_level"`
	StrikeLevel      Level              `json:"strike_level"`
	Escalated        bool               `json:"escalated"`
	ConfigVersion    string             `json:"config_version"`
	AssessedAt       time.Time          `json:"assessed_at"`
}

// Escalator proposes the next strike level. Its answer is clamped so it can
// never lower the level.
type Escalator interface {
	Next(ctx context.Context, current Level, band Band, score float64) (Level, error)
}

// Assessor scores signals and applies the escalation rule.
type Assessor struct {
	cfg       Config
	version   string
	escalator Escalator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithEscalator replaces the default rule with a policy.
func WithEscalator(e Escalator) Option {
	return func(a *Assessor) {
		a.escalator = e
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) {
		a.now = now
	}
}

// NewAssessor creates an Assessor for cfg.
func NewAssessor(cfg Config, logger *slog.Logger, opts ...Option) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Assessor{
		cfg:     cfg,
		version: cfg.Version(),
		logger:  logger.With("system", "risk"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ConfigVersion returns the digest stamped on every assessment.
func (a *Assessor) ConfigVersion() string {
	return a.version
}

// Assess scores signals for subjectID given its current strike level.
func (a *Assessor) Assess(ctx context.Context, subjectID string, signals []patterns.Signal, current Level) Assessment {
	signals = slices.Clone(signals)

	out := Assessment{
		ID:            uuid.New(),
		SubjectID:     subjectID,
		Signals:       signals,
		Contributions: make(map[string]float64),
		PreviousLevel: current,
		StrikeLevel:   current,
		ConfigVersion: a.version,
		AssessedAt:    a.now(),
	}

	if patterns.Supported(signals) < a.cfg.MinSignals {
		out.InsufficientData = true
		out.Band = Low
		return out
	}

	var score float64
	for _, s := range signals {
		w, ok := a.cfg.Weights[s.Name]
		if !ok || w == 0 || s.Support == 0 {
			continue
		}
		c := round4(w * s.Value)
		out.Contributions[s.Name] = c
		score += c
	}
	out.Score = round4(score)
	out.Band = a.cfg.Thresholds.Band(out.Score)

	out.StrikeLevel, out.Escalated = a.transition(ctx, current, out.Band, out.Score)
	return out
}

func (a *Assessor) transition(ctx context.Context, current Level, band Band, score float64) (Level, bool) {
	if a.escalator == nil {
		return Transition(current, band, a.cfg.Rules)
	}

	proposed, err := a.escalator.Next(ctx, current, band, score)
	if err != nil {
		a.logger.WarnContext(ctx, "escalation policy failed, using default rule", "error", err)
		return Transition(current, band, a.cfg.Rules)
	}

	next := Clamp(current, proposed)
	return next, next != current
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
