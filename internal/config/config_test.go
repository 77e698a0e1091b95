package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.Probe.Timeout())
	assert.Equal(t, 20, cfg.Probe.Concurrency)
	assert.Equal(t, 20, cfg.Visibility.FreeLimit)
	assert.Equal(t, "unknown", cfg.Health.InitialStatus)
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: 127.0.0.1:9000
data_directory: /var/lib/relayscope
log:
  level: debug
  format: console
probe:
  timeout_ms: 1500
  concurrency: 8
  strategy: TCP
health:
  interval_minutes: 30
  initial_status: Online
  sources: [overseas, china]
catalog:
  url: https://catalog.internal/api
  api_key: k
visibility:
  free_limit: 10
entitlement:
  url: https://auth.internal
  privileged_users:
    - id: alice
    - id: bob
      vip_until: 2030-01-01T00:00:00Z
admin:
  token: s3cret
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 1500*time.Millisecond, cfg.Probe.Timeout())
	assert.Equal(t, "tcp", cfg.Probe.Strategy)
	assert.Equal(t, "Global", cfg.Probe.Region)
	assert.Equal(t, 30*time.Minute, cfg.Health.Interval())
	assert.Equal(t, "online", cfg.Health.InitialStatus)
	assert.Equal(t, []string{"overseas", "china"}, cfg.Health.Sources)
	assert.Equal(t, 10, cfg.Visibility.FreeLimit)
	require.Len(t, cfg.Entitlement.PrivilegedUsers, 2)
	assert.True(t, cfg.Entitlement.PrivilegedUsers[0].Until.IsZero())
	assert.Equal(t, 2030, cfg.Entitlement.PrivilegedUsers[1].Until.Year())
	assert.Equal(t, time.Minute, cfg.Entitlement.CacheTTL())
	assert.Equal(t, 6, cfg.Admin.RatePerMinute)
	assert.Equal(t, filepath.Join("/var/lib/relayscope", "health_records.json"), cfg.HealthRecordsPath())
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := Load(writeConfig(t, `
probe:
  strategy: icmp
health:
  initial_status: offline
  interval_minutes: -1
catalog:
  file: ""
entitlement:
  privileged_users:
    - vip_until: 2030-01-01T00:00:00Z
log:
  format: xml
`))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(unwrapAll(err)), 6)
	assert.Contains(t, err.Error(), "probe.strategy")
	assert.Contains(t, err.Error(), "health.initial_status")
	assert.Contains(t, err.Error(), "catalog.file or catalog.url")
	assert.Contains(t, err.Error(), "privileged_users[0]")
}

func TestLoad_ParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "listen: [unterminated"))
	assert.ErrorContains(t, err, "parse config")
}

func unwrapAll(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}
