package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadAppliesOverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
windows:
  default_minutes: 30
thresholds:
  per_provider:
    anthropic:
      degraded_latency_p95_ms: 8000
      down_latency_p95_ms: 20000
      degraded_429_rate: 0.05
      down_5xx_rate: 0.2
      degraded_disconnect_rate: 0.1
anomaly:
  confirm_cycles: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Windows.DefaultMinutes != 30 {
		t.Fatalf("default_minutes = %d", cfg.Windows.DefaultMinutes)
	}
	if cfg.Anomaly.ConfirmCycles != 5 {
		t.Fatalf("confirm_cycles = %d", cfg.Anomaly.ConfirmCycles)
	}
	if cfg.Anomaly.EvalInterval != 60*time.Second {
		t.Fatalf("eval_interval default not applied: %v", cfg.Anomaly.EvalInterval)
	}
	if cfg.Retention.Horizon != 24*time.Hour {
		t.Fatalf("retention default not applied: %v", cfg.Retention.Horizon)
	}
}

func TestThresholdsForResolvesOverride(t *testing.T) {
	path := writeConfig(t, `
thresholds:
  per_provider:
    anthropic:
      degraded_latency_p95_ms: 8000
      down_latency_p95_ms: 20000
      degraded_429_rate: 0.05
      down_5xx_rate: 0.2
      degraded_disconnect_rate: 0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.ThresholdsFor("Anthropic"); got.DegradedLatencyP95Ms != 8000 {
		t.Fatalf("override not resolved: %+v", got)
	}
	if got := cfg.ThresholdsFor("openai"); got.DegradedLatencyP95Ms != 10000 {
		t.Fatalf("default not resolved: %+v", got)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold.Default.DegradedLatencyP95Ms = 50000 // above down cutoff
	cfg.Threshold.Default.Degraded429Rate = 1.5
	cfg.API.Addr = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"down_latency_p95_ms", "degraded_429_rate", "api.addr"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("validation should report %q, got: %v", want, msg)
		}
	}
}

func TestValidateHorizonMustCoverWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention.Horizon = time.Hour // baseline window is 1440 minutes

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "retention.horizon") {
		t.Fatalf("expected horizon coverage failure, got %v", err)
	}
}

func TestLoadRejectsKafkaWithoutBrokers(t *testing.T) {
	path := writeConfig(t, `
ingest:
  kafka:
    enabled: true
    topic: pulse
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected kafka validation failure, got %v", err)
	}
}

func TestLoadJSONConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.json")
	body := `{"log_level": "warn", "api": {"enabled": true, "addr": ":9090"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.API.Addr != ":9090" {
		t.Fatalf("json overrides not applied: %+v", cfg)
	}
}

func TestManagerReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("initial level = %q", m.Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("reloaded level = %q", m.Get().LogLevel)
	}
}
