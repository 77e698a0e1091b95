package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"relayscope/internal/common"
	"relayscope/internal/entitlement"
	"relayscope/internal/models"
	"relayscope/internal/probe"
)

// Config represents configuration data for the service.
type Config struct {
	Listen        string              `yaml:"listen"`
	DataDirectory string              `yaml:"data_directory"`
	Log           common.LoggerConfig `yaml:"log"`
	Probe         Probe               `yaml:"probe"`
	Health        Health              `yaml:"health"`
	Catalog       Catalog             `yaml:"catalog"`
	Visibility    Visibility          `yaml:"visibility"`
	Entitlement   Entitlement         `yaml:"entitlement"`
	Admin         Admin               `yaml:"admin"`
}

// Probe configures how a single node is measured.
type Probe struct {
	TimeoutMs   int    `yaml:"timeout_ms"`
	Concurrency int    `yaml:"concurrency"`
	Strategy    string `yaml:"strategy"`
	Region      string `yaml:"region"`
}

// Timeout is the per-probe budget.
func (p Probe) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Health configures classification and scheduled sweeps.
type Health struct {
	IntervalMinutes int      `yaml:"interval_minutes"`
	InitialStatus   string   `yaml:"initial_status"`
	Sources         []string `yaml:"sources"`
	DefaultSource   string   `yaml:"default_source"`
	BatchSize       int      `yaml:"batch_size"`
}

// Interval is the sweep period; zero disables sweeps.
func (h Health) Interval() time.Duration {
	return time.Duration(h.IntervalMinutes) * time.Minute
}

// Catalog points at the node catalog. URL wins over File.
type Catalog struct {
	File   string `yaml:"file"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Visibility configures the tiered filter.
type Visibility struct {
	FreeLimit int `yaml:"free_limit"`
}

// Entitlement configures who counts as privileged.
type Entitlement struct {
	PrivilegedUsers []entitlement.Grant `yaml:"privileged_users"`
	URL             string              `yaml:"url"`
	APIKey          string              `yaml:"api_key"`
	CacheTTLSeconds int                 `yaml:"cache_ttl_seconds"`
}

// CacheTTL is how long remote answers are reused.
func (e Entitlement) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}

// Admin guards the manual health-check trigger.
type Admin struct {
	Token         string `yaml:"token"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8080",
		DataDirectory: filepath.Join(".dist", "data"),
		Log: common.LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Probe: Probe{
			TimeoutMs:   int(probe.DefaultTimeout / time.Millisecond),
			Concurrency: 20,
			Strategy:    probe.StrategyHTTP,
			Region:      probe.DefaultRegion,
		},
		Health: Health{
			InitialStatus: string(models.StatusUnknown),
			DefaultSource: "overseas",
			BatchSize:     50,
		},
		Catalog: Catalog{
			File: filepath.Join(".dist", "catalog.yaml"),
		},
		Visibility: Visibility{
			FreeLimit: 20,
		},
		Entitlement: Entitlement{
			CacheTTLSeconds: 60,
		},
		Admin: Admin{
			RatePerMinute: 6,
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalise() {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.DataDirectory == "" {
		c.DataDirectory = defaults.DataDirectory
	}
	if c.Probe.TimeoutMs <= 0 {
		c.Probe.TimeoutMs = defaults.Probe.TimeoutMs
	}
	if c.Probe.Concurrency <= 0 {
		c.Probe.Concurrency = defaults.Probe.Concurrency
	}
	c.Probe.Strategy = strings.ToLower(strings.TrimSpace(c.Probe.Strategy))
	if c.Probe.Strategy == "" {
		c.Probe.Strategy = defaults.Probe.Strategy
	}
	if c.Probe.Region == "" {
		c.Probe.Region = defaults.Probe.Region
	}
	c.Health.InitialStatus = strings.ToLower(strings.TrimSpace(c.Health.InitialStatus))
	if c.Health.InitialStatus == "" {
		c.Health.InitialStatus = defaults.Health.InitialStatus
	}
	if c.Health.BatchSize <= 0 {
		c.Health.BatchSize = defaults.Health.BatchSize
	}
	if c.Visibility.FreeLimit <= 0 {
		c.Visibility.FreeLimit = defaults.Visibility.FreeLimit
	}
	if c.Entitlement.CacheTTLSeconds <= 0 {
		c.Entitlement.CacheTTLSeconds = defaults.Entitlement.CacheTTLSeconds
	}
	if c.Admin.RatePerMinute <= 0 {
		c.Admin.RatePerMinute = defaults.Admin.RatePerMinute
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	switch c.Probe.Strategy {
	case probe.StrategyHTTP, probe.StrategyTCP:
	default:
		err = multierr.Append(err, fmt.Errorf("probe.strategy must be %q or %q, got %q", probe.StrategyHTTP, probe.StrategyTCP, c.Probe.Strategy))
	}
	if c.Probe.TimeoutMs > 60000 {
		err = multierr.Append(err, fmt.Errorf("probe.timeout_ms %d exceeds 60000", c.Probe.TimeoutMs))
	}
	switch models.HealthStatus(c.Health.InitialStatus) {
	case models.StatusUnknown, models.StatusOnline:
	default:
		err = multierr.Append(err, fmt.Errorf("health.initial_status must be unknown or online, got %q", c.Health.InitialStatus))
	}
	if c.Health.IntervalMinutes < 0 {
		err = multierr.Append(err, errors.New("health.interval_minutes must not be negative"))
	}
	if c.Catalog.File == "" && c.Catalog.URL == "" {
		err = multierr.Append(err, errors.New("catalog.file or catalog.url is required"))
	}
	for i, g := range c.Entitlement.PrivilegedUsers {
		if strings.TrimSpace(g.UserID) == "" {
			err = multierr.Append(err, fmt.Errorf("entitlement.privileged_users[%d] is missing id", i))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return err
}

// HealthRecordsPath is where classifier records are persisted.
func (c Config) HealthRecordsPath() string {
	return filepath.Join(c.DataDirectory, "health_records.json")
}

// ReportPath is where the last health-check report is persisted.
func (c Config) ReportPath() string {
	return filepath.Join(c.DataDirectory, "last_health_check.json")
}
