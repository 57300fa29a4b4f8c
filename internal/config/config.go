package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Windows   WindowsConfig   `json:"windows" yaml:"windows"`
	Threshold ThresholdConfig `json:"thresholds" yaml:"thresholds"`
	Evidence  EvidenceConfig  `json:"evidence" yaml:"evidence"`
	Anomaly   AnomalyConfig   `json:"anomaly" yaml:"anomaly"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Incident  IncidentConfig  `json:"incidents" yaml:"incidents"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Guard         GuardConfig    `json:"guard" yaml:"guard"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

// GuardConfig protects the REST intake: per-client rate limits plus an
// optional provider allowlist.
type GuardConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	RatePerSec float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `json:"burst" yaml:"burst"`
	// AllowedProviders restricts REST intake to known provider names.
	// Empty means every provider is accepted.
	AllowedProviders []string `json:"allowed_providers" yaml:"allowed_providers"`
}

// WindowsConfig fixes the aggregation horizons queries may use.
type WindowsConfig struct {
	DefaultMinutes  int `json:"default_minutes" yaml:"default_minutes"`
	BaselineMinutes int `json:"baseline_minutes" yaml:"baseline_minutes"`
	MaxMinutes      int `json:"max_minutes" yaml:"max_minutes"`
}

// ThresholdConfig carries the default cutoffs plus per-provider overrides.
// Overrides replace the whole block for that provider.
type ThresholdConfig struct {
	Default     model.Thresholds            `json:"default" yaml:"default"`
	PerProvider map[string]model.Thresholds `json:"per_provider" yaml:"per_provider"`
}

type EvidenceConfig struct {
	MinSamples        int `json:"min_samples" yaml:"min_samples"`
	SaturationSamples int `json:"saturation_samples" yaml:"saturation_samples"`
}

type AnomalyConfig struct {
	ConfirmCycles int           `json:"confirm_cycles" yaml:"confirm_cycles"`
	ClearCycles   int           `json:"clear_cycles" yaml:"clear_cycles"`
	EvalInterval  time.Duration `json:"eval_interval" yaml:"eval_interval"`
	WindowMinutes int           `json:"window_minutes" yaml:"window_minutes"`
	RetiredLimit  int           `json:"retired_limit" yaml:"retired_limit"`
}

type RetentionConfig struct {
	Horizon       time.Duration `json:"horizon" yaml:"horizon"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type IncidentConfig struct {
	FeedURL     string        `json:"feed_url" yaml:"feed_url"`
	FeedTimeout time.Duration `json:"feed_timeout" yaml:"feed_timeout"`
	Refresh     time.Duration `json:"refresh" yaml:"refresh"`
	MaxAge      time.Duration `json:"max_age" yaml:"max_age"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Guard:         GuardConfig{Enabled: false, RatePerSec: 500, Burst: 1000},
		},
		Windows: WindowsConfig{
			DefaultMinutes:  15,
			BaselineMinutes: 1440,
			MaxMinutes:      1440,
		},
		Threshold: ThresholdConfig{
			Default: model.Thresholds{
				DegradedLatencyP95Ms: 10000,
				DownLatencyP95Ms:     30000,
				Degraded429Rate:      0.10,
				Down5xxRate:          0.25,
				DegradedDisconnect:   0.10,
			},
		},
		Evidence: EvidenceConfig{MinSamples: 20, SaturationSamples: 200},
		Anomaly: AnomalyConfig{
			ConfirmCycles: 3,
			ClearCycles:   3,
			EvalInterval:  60 * time.Second,
			WindowMinutes: 15,
			RetiredLimit:  500,
		},
		Retention: RetentionConfig{Horizon: 24 * time.Hour, SweepInterval: 5 * time.Minute},
		Incident: IncidentConfig{
			FeedTimeout: 3 * time.Second,
			Refresh:     60 * time.Second,
			MaxAge:      5 * time.Minute,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:pulse.db?_pragma=busy_timeout(5000)"},
	}
}

// ThresholdsFor resolves the cutoffs for one provider: the per-provider
// override when present, the default block otherwise.
func (c *Config) ThresholdsFor(provider string) model.Thresholds {
	if th, ok := c.Threshold.PerProvider[strings.ToLower(provider)]; ok {
		return th
	}
	return c.Threshold.Default
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Windows.DefaultMinutes <= 0 {
		cfg.Windows.DefaultMinutes = def.Windows.DefaultMinutes
	}
	if cfg.Windows.BaselineMinutes <= 0 {
		cfg.Windows.BaselineMinutes = def.Windows.BaselineMinutes
	}
	if cfg.Windows.MaxMinutes <= 0 {
		cfg.Windows.MaxMinutes = def.Windows.MaxMinutes
	}
	if cfg.Evidence.MinSamples <= 0 {
		cfg.Evidence.MinSamples = def.Evidence.MinSamples
	}
	if cfg.Evidence.SaturationSamples <= 0 {
		cfg.Evidence.SaturationSamples = def.Evidence.SaturationSamples
	}
	if cfg.Anomaly.ConfirmCycles <= 0 {
		cfg.Anomaly.ConfirmCycles = def.Anomaly.ConfirmCycles
	}
	if cfg.Anomaly.ClearCycles <= 0 {
		cfg.Anomaly.ClearCycles = def.Anomaly.ClearCycles
	}
	if cfg.Anomaly.EvalInterval <= 0 {
		cfg.Anomaly.EvalInterval = def.Anomaly.EvalInterval
	}
	if cfg.Anomaly.WindowMinutes <= 0 {
		cfg.Anomaly.WindowMinutes = def.Anomaly.WindowMinutes
	}
	if cfg.Anomaly.RetiredLimit <= 0 {
		cfg.Anomaly.RetiredLimit = def.Anomaly.RetiredLimit
	}
	if cfg.Retention.Horizon <= 0 {
		cfg.Retention.Horizon = def.Retention.Horizon
	}
	if cfg.Retention.SweepInterval <= 0 {
		cfg.Retention.SweepInterval = def.Retention.SweepInterval
	}
	if cfg.Incident.FeedTimeout <= 0 {
		cfg.Incident.FeedTimeout = def.Incident.FeedTimeout
	}
	if cfg.Incident.Refresh <= 0 {
		cfg.Incident.Refresh = def.Incident.Refresh
	}
	if cfg.Incident.MaxAge <= 0 {
		cfg.Incident.MaxAge = def.Incident.MaxAge
	}
	if cfg.Ingest.Guard.RatePerSec <= 0 {
		cfg.Ingest.Guard.RatePerSec = def.Ingest.Guard.RatePerSec
	}
	if cfg.Ingest.Guard.Burst <= 0 {
		cfg.Ingest.Guard.Burst = def.Ingest.Guard.Burst
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
}

// Validate reports every problem at once rather than the first one found.
func Validate(cfg *Config) error {
	var errs *multierror.Error

	if cfg.API.Enabled && cfg.API.Addr == "" {
		errs = multierror.Append(errs, errors.New("api.addr required when api.enabled is true"))
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		errs = multierror.Append(errs, errors.New("ingest.rest.addr required when ingest.rest.enabled is true"))
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			errs = multierror.Append(errs, errors.New("ingest.kafka requires brokers, topic, group_id"))
		}
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		errs = multierror.Append(errs, errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true"))
	}
	if cfg.Storage.Enabled {
		if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "postgres" {
			errs = multierror.Append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver))
		}
		if cfg.Storage.DSN == "" {
			errs = multierror.Append(errs, errors.New("storage.dsn required when storage.enabled is true"))
		}
	}

	if err := validateThresholds("thresholds.default", cfg.Threshold.Default); err != nil {
		errs = multierror.Append(errs, err)
	}
	for provider, th := range cfg.Threshold.PerProvider {
		if err := validateThresholds("thresholds.per_provider."+provider, th); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if cfg.Windows.DefaultMinutes > cfg.Windows.MaxMinutes {
		errs = multierror.Append(errs, fmt.Errorf("windows.default_minutes %d exceeds max_minutes %d",
			cfg.Windows.DefaultMinutes, cfg.Windows.MaxMinutes))
	}
	if cfg.Windows.BaselineMinutes > cfg.Windows.MaxMinutes {
		errs = multierror.Append(errs, fmt.Errorf("windows.baseline_minutes %d exceeds max_minutes %d",
			cfg.Windows.BaselineMinutes, cfg.Windows.MaxMinutes))
	}
	if horizonMin := int(cfg.Retention.Horizon / time.Minute); horizonMin < cfg.Windows.MaxMinutes {
		errs = multierror.Append(errs, fmt.Errorf("retention.horizon %s cannot cover windows.max_minutes %d",
			cfg.Retention.Horizon, cfg.Windows.MaxMinutes))
	}
	if cfg.Evidence.SaturationSamples <= cfg.Evidence.MinSamples {
		errs = multierror.Append(errs, fmt.Errorf("evidence.saturation_samples %d must exceed min_samples %d",
			cfg.Evidence.SaturationSamples, cfg.Evidence.MinSamples))
	}

	return errs.ErrorOrNil()
}

func validateThresholds(prefix string, th model.Thresholds) error {
	var errs *multierror.Error
	if th.DegradedLatencyP95Ms <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s.degraded_latency_p95_ms must be > 0", prefix))
	}
	if th.DownLatencyP95Ms <= th.DegradedLatencyP95Ms {
		errs = multierror.Append(errs, fmt.Errorf("%s.down_latency_p95_ms must exceed degraded_latency_p95_ms", prefix))
	}
	if th.Degraded429Rate <= 0 || th.Degraded429Rate > 1 {
		errs = multierror.Append(errs, fmt.Errorf("%s.degraded_429_rate must be within (0,1]", prefix))
	}
	if th.Down5xxRate <= 0 || th.Down5xxRate > 1 {
		errs = multierror.Append(errs, fmt.Errorf("%s.down_5xx_rate must be within (0,1]", prefix))
	}
	if th.DegradedDisconnect <= 0 || th.DegradedDisconnect > 1 {
		errs = multierror.Append(errs, fmt.Errorf("%s.degraded_disconnect_rate must be within (0,1]", prefix))
	}
	return errs.ErrorOrNil()
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
