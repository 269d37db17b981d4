package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/pipeline"
	"github.com/JaimeStill/safeguard/internal/risk"
)

const (
	EnvPipelineDefaultWindow    = "SAFEGUARD_PIPELINE_DEFAULT_WINDOW"
	EnvPipelineMaxWindow        = "SAFEGUARD_PIPELINE_MAX_WINDOW"
	EnvPipelineAnalysisTimeout  = "SAFEGUARD_PIPELINE_ANALYSIS_TIMEOUT"
	EnvPipelineLeakStrictness   = "SAFEGUARD_PIPELINE_LEAK_STRICTNESS"
	EnvPipelineSessionTTL       = "SAFEGUARD_PIPELINE_SESSION_TTL"
	EnvPipelineBatchConcurrency = "SAFEGUARD_PIPELINE_BATCH_CONCURRENCY"
	EnvPipelinePolicyFile       = "SAFEGUARD_PIPELINE_POLICY_FILE"
	EnvPipelineTimezone         = "SAFEGUARD_PIPELINE_TIMEZONE"
)

// ThresholdsConfig holds the minimum score of each elevated band.
type ThresholdsConfig struct {
	Medium   float64 `toml:"medium"`
	High     float64 `toml:"high"`
	Critical float64 `toml:"critical"`
}

// PipelineConfig holds the extraction, scoring, analysis, and orchestration
// settings. Spans accept Go durations or whole days ("30d").
type PipelineConfig struct {
	DefaultWindow    string             `toml:"default_window"`
	MaxWindow        string             `toml:"max_window"`
	SubWindows       []string           `toml:"sub_windows"`
	RateWindow       string             `toml:"rate_window"`
	ClusterMin       int                `toml:"cluster_min"`
	CoOccurrenceSpan string             `toml:"co_occurrence_span"`
	Timezone         string             `toml:"timezone"`
	MinSignals       int                `toml:"min_signals"`
	Weights          map[string]float64 `toml:"weights"`
	Thresholds       ThresholdsConfig   `toml:"thresholds"`
	HighStep         int                `toml:"high_step"`
	CriticalLevel    int                `toml:"critical_level"`
	PolicyFile       string             `toml:"policy_file"`
	AnalysisTimeout  string             `toml:"analysis_timeout"`
	MaxTokens        int32              `toml:"max_tokens"`
	LeakStrictness   string             `toml:"leak_strictness"`
	SessionTTL       string             `toml:"session_ttl"`
	SweepInterval    string             `toml:"sweep_interval"`
	BatchConcurrency int                `toml:"batch_concurrency"`
	MaxBatch         int                `toml:"max_batch"`
	LatestCapacity   int                `toml:"latest_capacity"`
}

// Patterns returns the extractor configuration.
func (c *PipelineConfig) Patterns() patterns.Config {
	windows := make([]patterns.Window, len(c.SubWindows))
	for i, label := range c.SubWindows {
		windows[i] = patterns.Window{Label: label, Span: mustSpan(label)}
	}
	loc, _ := time.LoadLocation(c.Timezone)

	return patterns.Config{
		MaxWindow:        mustSpan(c.MaxWindow),
		SubWindows:       windows,
		RateWindow:       c.RateWindow,
		ClusterMin:       c.ClusterMin,
		CoOccurrenceSpan: mustSpan(c.CoOccurrenceSpan),
		Location:         loc,
	}
}

// Risk returns the scoring configuration. When a policy file is set its
// contents become part of the configuration and its version.
func (c *PipelineConfig) Risk() (risk.Config, error) {
	cfg := risk.Config{
		Weights: maps.Clone(c.Weights),
		Thresholds: risk.Thresholds{
			Medium:   c.Thresholds.Medium,
			High:     c.Thresholds.High,
			Critical: c.Thresholds.Critical,
		},
		Rules: risk.Rules{
			HighStep:      c.HighStep,
			CriticalLevel: risk.Level(c.CriticalLevel),
		},
		MinSignals: c.MinSignals,
	}

	if c.PolicyFile != "" {
		data, err := os.ReadFile(c.PolicyFile)
		if err != nil {
			return cfg, fmt.Errorf("read policy file: %w", err)
		}
		cfg.Policy = string(data)
	}
	return cfg, nil
}

// Analysis returns the analysis stage configuration.
func (c *PipelineConfig) Analysis() analysis.Config {
	strictness, _ := analysis.ParseStrictness(c.LeakStrictness)
	return analysis.Config{
		Timeout:    mustSpan(c.AnalysisTimeout),
		MaxTokens:  c.MaxTokens,
		Strictness: strictness,
	}
}

// Pipeline returns the orchestration configuration.
func (c *PipelineConfig) Pipeline(strikes StrikesConfig) pipeline.Config {
	return pipeline.Config{
		DefaultWindow:         mustSpan(c.DefaultWindow),
		BatchConcurrency:      c.BatchConcurrency,
		MaxBatch:              c.MaxBatch,
		LatestCapacity:        c.LatestCapacity,
		RequireSecondApprover: strikes.RequireSecondApprover,
	}
}

// SessionTTLDuration returns SessionTTL as a time.Duration.
func (c *PipelineConfig) SessionTTLDuration() time.Duration {
	return mustSpan(c.SessionTTL)
}

// SweepIntervalDuration returns SweepInterval as a time.Duration.
func (c *PipelineConfig) SweepIntervalDuration() time.Duration {
	return mustSpan(c.SweepInterval)
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *PipelineConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay. Weights merge per signal.
func (c *PipelineConfig) Merge(overlay *PipelineConfig) {
	mergeString(&c.DefaultWindow, overlay.DefaultWindow)
	mergeString(&c.MaxWindow, overlay.MaxWindow)
	mergeString(&c.RateWindow, overlay.RateWindow)
	mergeString(&c.CoOccurrenceSpan, overlay.CoOccurrenceSpan)
	mergeString(&c.Timezone, overlay.Timezone)
	mergeString(&c.PolicyFile, overlay.PolicyFile)
	mergeString(&c.AnalysisTimeout, overlay.AnalysisTimeout)
	mergeString(&c.LeakStrictness, overlay.LeakStrictness)
	mergeString(&c.SessionTTL, overlay.SessionTTL)
	mergeString(&c.SweepInterval, overlay.SweepInterval)

	if len(overlay.SubWindows) > 0 {
		c.SubWindows = overlay.SubWindows
	}
	if overlay.ClusterMin != 0 {
		c.ClusterMin = overlay.ClusterMin
	}
	if overlay.MinSignals != 0 {
		c.MinSignals = overlay.MinSignals
	}
	if len(overlay.Weights) > 0 {
		if c.Weights == nil {
			c.Weights = make(map[string]float64, len(overlay.Weights))
		}
		maps.Copy(c.Weights, overlay.Weights)
	}
	if overlay.Thresholds.Medium != 0 {
		c.Thresholds.Medium = overlay.Thresholds.Medium
	}
	if overlay.Thresholds.High != 0 {
		c.Thresholds.High = overlay.Thresholds.High
	}
	if overlay.Thresholds.Critical != 0 {
		c.Thresholds.Critical = overlay.Thresholds.Critical
	}
	if overlay.HighStep != 0 {
		c.HighStep = overlay.HighStep
	}
	if overlay.CriticalLevel != 0 {
		c.CriticalLevel = overlay.CriticalLevel
	}
	if overlay.MaxTokens != 0 {
		c.MaxTokens = overlay.MaxTokens
	}
	if overlay.BatchConcurrency != 0 {
		c.BatchConcurrency = overlay.BatchConcurrency
	}
	if overlay.MaxBatch != 0 {
		c.MaxBatch = overlay.MaxBatch
	}
	if overlay.LatestCapacity != 0 {
		c.LatestCapacity = overlay.LatestCapacity
	}
}

func (c *PipelineConfig) loadDefaults() {
	defaultString(&c.DefaultWindow, "30d")
	defaultString(&c.MaxWindow, "90d")
	defaultString(&c.RateWindow, "30d")
	defaultString(&c.CoOccurrenceSpan, "30m")
	defaultString(&c.Timezone, "UTC")
	defaultString(&c.AnalysisTimeout, "30s")
	defaultString(&c.LeakStrictness, string(analysis.Standard))
	defaultString(&c.SessionTTL, "15m")
	defaultString(&c.SweepInterval, "1m")

	if len(c.SubWindows) == 0 {
		c.SubWindows = []string{"24h", "7d", "30d"}
	}
	if c.ClusterMin == 0 {
		c.ClusterMin = 3
	}
	if c.MinSignals == 0 {
		c.MinSignals = 1
	}

	def := risk.DefaultConfig()
	if c.Weights == nil {
		c.Weights = make(map[string]float64, len(def.Weights))
	}
	for name, w := range def.Weights {
		if _, ok := c.Weights[name]; !ok {
			c.Weights[name] = w
		}
	}
	if c.Thresholds.Medium == 0 {
		c.Thresholds.Medium = def.Thresholds.Medium
	}
	if c.Thresholds.High == 0 {
		c.Thresholds.High = def.Thresholds.High
	}
	if c.Thresholds.Critical == 0 {
		c.Thresholds.Critical = def.Thresholds.Critical
	}
	if c.HighStep == 0 {
		c.HighStep = def.Rules.HighStep
	}
	if c.CriticalLevel == 0 {
		c.CriticalLevel = int(def.Rules.CriticalLevel)
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = 4
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 500
	}
	if c.LatestCapacity == 0 {
		c.LatestCapacity = 10000
	}
}

func (c *PipelineConfig) loadEnv() {
	envString(&c.DefaultWindow, EnvPipelineDefaultWindow)
	envString(&c.MaxWindow, EnvPipelineMaxWindow)
	envString(&c.AnalysisTimeout, EnvPipelineAnalysisTimeout)
	envString(&c.LeakStrictness, EnvPipelineLeakStrictness)
	envString(&c.SessionTTL, EnvPipelineSessionTTL)
	envString(&c.PolicyFile, EnvPipelinePolicyFile)
	envString(&c.Timezone, EnvPipelineTimezone)

	if v := os.Getenv(EnvPipelineBatchConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchConcurrency = n
		}
	}
}

func (c *PipelineConfig) validate() error {
	spans := map[string]string{
		"default_window":     c.DefaultWindow,
		"max_window":         c.MaxWindow,
		"co_occurrence_span": c.CoOccurrenceSpan,
		"analysis_timeout":   c.AnalysisTimeout,
		"session_ttl":        c.SessionTTL,
		"sweep_interval":     c.SweepInterval,
	}
	for name, v := range spans {
		if _, err := ParseSpan(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	for _, w := range c.SubWindows {
		if _, err := ParseSpan(w); err != nil {
			return fmt.Errorf("invalid sub_windows: %w", err)
		}
	}
	if !slices.Contains(c.SubWindows, c.RateWindow) {
		return fmt.Errorf("rate_window %q is not one of sub_windows", c.RateWindow)
	}
	if mustSpan(c.DefaultWindow) > mustSpan(c.MaxWindow) {
		return fmt.Errorf("default_window exceeds max_window")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	if _, err := analysis.ParseStrictness(c.LeakStrictness); err != nil {
		return err
	}
	if !risk.Level(c.CriticalLevel).Valid() || c.CriticalLevel == 0 {
		return fmt.Errorf("invalid critical_level: %d", c.CriticalLevel)
	}
	if c.HighStep < 0 {
		return fmt.Errorf("invalid high_step: %d", c.HighStep)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("invalid batch_concurrency: %d", c.BatchConcurrency)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("invalid max_batch: %d", c.MaxBatch)
	}
	if c.LatestCapacity < 1 {
		return fmt.Errorf("invalid latest_capacity: %d", c.LatestCapacity)
	}

	cfg, err := c.Risk()
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func defaultString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
