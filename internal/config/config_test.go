package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/internal/risk"
)

const baseConfig = `
shutdown_timeout = "30s"
version = "0.1.0"

[server]
host = "0.0.0.0"
port = 8080
read_timeout = "1m"
write_timeout = "2m"

[database]
host = "localhost"
port = 5432
name = "safeguard"
user = "safeguard"
password = "safeguard"
ssl_mode = "disable"

[storage]
container_name = "reports"

[api]
base_path = "/api"

[api.pagination]
default_page_size = 25
max_page_size = 50

[pipeline]
default_window = "30d"
sub_windows = ["24h", "7d", "30d"]
rate_window = "30d"
timezone = "UTC"

[pipeline.weights]
negative_rate_30d = 3.0

[pipeline.thresholds]
medium = 2.0
high = 4.0
critical = 7.0

[sync]
interval = "6h"

[[sync.sources]]
name = "roster"
kind = "spreadsheet"
url = "http://localhost:9000/roster.csv"

[[sync.sources]]
name = "incidents"
kind = "tracker"
url = "http://localhost:9000/records"
interval = "1h"
`

const overlayConfig = `
[server]
port = 9090

[database]
host = "prodhost"

[pipeline.weights]
peer_co_occurrence = 1.5

[strikes]
require_second_approver = true
`

func writeConfig(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(orig) })
}

func loadBase(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, config.BaseConfigFile, baseConfig)
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return cfg
}

func TestLoad(t *testing.T) {
	cfg := loadBase(t)

	if cfg.Server.Port != 8080 {
		t.Errorf("server port: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("db host: got %s, want localhost", cfg.Database.Host)
	}
	if cfg.Storage.Enabled() {
		t.Error("storage enabled without a connection string")
	}
	if cfg.API.Pagination.DefaultPageSize != 25 {
		t.Errorf("pagination default_page_size: got %d, want 25", cfg.API.Pagination.DefaultPageSize)
	}
	if cfg.Generator.Provider != "disabled" {
		t.Errorf("generator provider: got %s, want disabled", cfg.Generator.Provider)
	}
	if cfg.Telemetry.ServiceName != "safeguard" {
		t.Errorf("telemetry service name: got %s, want safeguard", cfg.Telemetry.ServiceName)
	}
	if len(cfg.Sync.Sources) != 2 {
		t.Fatalf("sources: got %d, want 2", len(cfg.Sync.Sources))
	}
}

func TestLoadWithOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.BaseConfigFile, baseConfig)
	writeConfig(t, dir, "config.staging.toml", overlayConfig)
	chdir(t, dir)

	t.Setenv("SAFEGUARD_ENV", "staging")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server port: got %d, want 9090 (from overlay)", cfg.Server.Port)
	}
	if cfg.Database.Host != "prodhost" {
		t.Errorf("db host: got %s, want prodhost (from overlay)", cfg.Database.Host)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("db port: got %d, want 5432 (from base)", cfg.Database.Port)
	}
	if w := cfg.Pipeline.Weights["negative_rate_30d"]; w != 3.0 {
		t.Errorf("base weight: got %v, want 3", w)
	}
	if w := cfg.Pipeline.Weights["peer_co_occurrence"]; w != 1.5 {
		t.Errorf("overlay weight: got %v, want 1.5", w)
	}
	if !cfg.Strikes.RequireSecondApprover {
		t.Error("require_second_approver: got false, want true (from overlay)")
	}
}

func TestLoadEnvVarOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.BaseConfigFile, baseConfig)
	chdir(t, dir)

	t.Setenv("SAFEGUARD_VERSION", "2.0.0")
	t.Setenv("SAFEGUARD_SERVER_PORT", "3000")
	t.Setenv("SAFEGUARD_NOTIFY_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("SAFEGUARD_SYNC_ROSTER_TOKEN", "secret")
	t.Setenv("SAFEGUARD_PIPELINE_LEAK_STRICTNESS", "strict")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Version != "2.0.0" {
		t.Errorf("version: got %s, want 2.0.0", cfg.Version)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("server port: got %d, want 3000", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Notify.Brokers, ","); got != "kafka-1:9092,kafka-2:9092" {
		t.Errorf("brokers: got %s, want kafka-1:9092,kafka-2:9092", got)
	}
	if !cfg.Notify.KafkaEnabled() {
		t.Error("kafka not enabled with brokers set")
	}
	if cfg.Sync.Sources[0].Token != "secret" {
		t.Errorf("roster token: got %q, want secret", cfg.Sync.Sources[0].Token)
	}
	if cfg.Sync.Sources[1].Token != "" {
		t.Errorf("incidents token: got %q, want empty", cfg.Sync.Sources[1].Token)
	}
	if cfg.Pipeline.LeakStrictness != "strict" {
		t.Errorf("leak strictness: got %s, want strict", cfg.Pipeline.LeakStrictness)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	t.Setenv("SAFEGUARD_DB_NAME", "testdb")
	t.Setenv("SAFEGUARD_STORAGE_CONNECTION_STRING", "conn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load without config.toml failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port default: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Name != "testdb" {
		t.Errorf("db name from env: got %s, want testdb", cfg.Database.Name)
	}
	if !cfg.Storage.Enabled() {
		t.Error("storage not enabled with a connection string")
	}
	if cfg.Pipeline.DefaultWindow != "30d" {
		t.Errorf("default window: got %s, want 30d", cfg.Pipeline.DefaultWindow)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.BaseConfigFile, `invalid = `)
	chdir(t, dir)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestEnv(t *testing.T) {
	cfg := loadBase(t)
	if cfg.Env() != "local" {
		t.Errorf("env: got %s, want local", cfg.Env())
	}

	t.Setenv("SAFEGUARD_ENV", "production")
	if cfg.Env() != "production" {
		t.Errorf("env: got %s, want production", cfg.Env())
	}
}

func TestDurations(t *testing.T) {
	cfg := loadBase(t)

	if d := cfg.ShutdownTimeoutDuration(); d != 30*time.Second {
		t.Errorf("shutdown timeout: got %v, want 30s", d)
	}
	if addr := cfg.Server.Addr(); addr != "0.0.0.0:8080" {
		t.Errorf("addr: got %s, want 0.0.0.0:8080", addr)
	}
	if d := cfg.Pipeline.SessionTTLDuration(); d != 15*time.Minute {
		t.Errorf("session ttl: got %v, want 15m", d)
	}
	if got := cfg.API.MaxBodySizeBytes(); got != 1024*1024 {
		t.Errorf("max body size: got %d, want %d", got, 1024*1024)
	}
}

func TestPipelineConversions(t *testing.T) {
	cfg := loadBase(t)

	pc := cfg.Pipeline.Patterns()
	if pc.MaxWindow != 90*24*time.Hour {
		t.Errorf("max window: got %v, want 2160h", pc.MaxWindow)
	}
	if len(pc.SubWindows) != 3 || pc.SubWindows[1].Label != "7d" || pc.SubWindows[1].Span != 7*24*time.Hour {
		t.Errorf("sub windows: got %+v", pc.SubWindows)
	}
	if pc.Location != time.UTC {
		t.Errorf("location: got %v, want UTC", pc.Location)
	}

	rc, err := cfg.Pipeline.Risk()
	if err != nil {
		t.Fatalf("risk config: %v", err)
	}
	if rc.Thresholds.High != 4 {
		t.Errorf("high threshold: got %v, want 4", rc.Thresholds.High)
	}
	if rc.Weights["incident_count_7d"] != risk.DefaultConfig().Weights["incident_count_7d"] {
		t.Errorf("default weight not filled: got %v", rc.Weights["incident_count_7d"])
	}
	if rc.Rules.CriticalLevel != risk.Level3 {
		t.Errorf("critical level: got %v, want %v", rc.Rules.CriticalLevel, risk.Level3)
	}

	pl := cfg.Pipeline.Pipeline(cfg.Strikes)
	if pl.DefaultWindow != 30*24*time.Hour {
		t.Errorf("pipeline default window: got %v", pl.DefaultWindow)
	}
	if pl.RequireSecondApprover {
		t.Error("require second approver: got true, want false")
	}
}

func TestPolicyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "escalation.rego", "package safeguard.escalation\n")
	writeConfig(t, dir, config.BaseConfigFile, baseConfig+"\n")
	chdir(t, dir)

	t.Setenv("SAFEGUARD_PIPELINE_POLICY_FILE", "escalation.rego")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	rc, err := cfg.Pipeline.Risk()
	if err != nil {
		t.Fatalf("risk config: %v", err)
	}
	if !strings.HasPrefix(rc.Policy, "package safeguard.escalation") {
		t.Errorf("policy: got %q", rc.Policy)
	}
}

func TestSyncConversions(t *testing.T) {
	cfg := loadBase(t)

	specs := cfg.Sync.Specs()
	if len(specs) != 2 {
		t.Fatalf("specs: got %d, want 2", len(specs))
	}
	if specs[0].Interval != 6*time.Hour {
		t.Errorf("inherited interval: got %v, want 6h", specs[0].Interval)
	}
	if specs[1].Interval != time.Hour {
		t.Errorf("source interval: got %v, want 1h", specs[1].Interval)
	}
	if specs[0].Source.MaxBytes != 10*1024*1024 {
		t.Errorf("max bytes: got %d, want %d", specs[0].Source.MaxBytes, 10*1024*1024)
	}
	if specs[0].Source.Location != time.UTC {
		t.Errorf("location: got %v, want UTC", specs[0].Source.Location)
	}

	retry := cfg.Sync.Retry()
	if retry.MaxAttempts != 5 || retry.InitialBackoff != time.Second || retry.MaxBackoff != time.Minute {
		t.Errorf("retry: got %+v", retry)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "invalid port",
			config:  "[server]\nport = 99999\n",
			wantErr: "invalid port",
		},
		{
			name:    "rate window outside sub windows",
			config:  "[pipeline]\nsub_windows = [\"24h\", \"7d\"]\nrate_window = \"30d\"\n",
			wantErr: "rate_window",
		},
		{
			name:    "default window exceeds max",
			config:  "[pipeline]\ndefault_window = \"120d\"\n",
			wantErr: "default_window exceeds max_window",
		},
		{
			name:    "thresholds not ascending",
			config:  "[pipeline.thresholds]\nmedium = 5.0\nhigh = 4.0\ncritical = 6.0\n",
			wantErr: "threshold",
		},
		{
			name:    "unknown strictness",
			config:  "[pipeline]\nleak_strictness = \"lenient\"\n",
			wantErr: "strictness",
		},
		{
			name:    "unknown source kind",
			config:  "[[sync.sources]]\nname = \"x\"\nkind = \"ftp\"\nurl = \"http://x\"\n",
			wantErr: "unknown kind",
		},
		{
			name:    "duplicate source",
			config:  "[[sync.sources]]\nname = \"x\"\nkind = \"tracker\"\nurl = \"http://x\"\n\n[[sync.sources]]\nname = \"x\"\nkind = \"tracker\"\nurl = \"http://y\"\n",
			wantErr: "duplicate source",
		},
		{
			name:    "gemini without key",
			config:  "[generator]\nprovider = \"gemini\"\n",
			wantErr: "api_key required",
		},
		{
			name:    "unknown generator provider",
			config:  "[generator]\nprovider = \"other\"\n",
			wantErr: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, config.BaseConfigFile, tt.config)
			chdir(t, dir)

			_, err := config.Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.wantErr) {
				t.Errorf("error: got %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"0d", 0, true},
		{"xd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := config.ParseSpan(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
