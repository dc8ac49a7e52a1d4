package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.Session.LeaseTimeout)
	assert.Equal(t, 3, cfg.Process.MaxRecoveryAttempts)
	assert.Equal(t, 3, cfg.Breakers.Start.FailureThreshold)
	assert.Equal(t, 300*time.Second, cfg.Breakers.Start.RecoveryTimeout)
	assert.Equal(t, 5, cfg.Breakers.Memory.FailureThreshold)
	assert.Equal(t, []string{"rss_scrape_parser", "unified_crawl_parser", "ainews-clean"}, cfg.Process.KillPatterns)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ainews.yaml")
	content := `
database:
  path: /tmp/custom.db
session:
  lease_timeout: 10m
pipeline:
  workers: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("AINEWS_PIPELINE_WORKERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Session.LeaseTimeout)
	assert.Equal(t, 7, cfg.Pipeline.Workers, "env overrides file")
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"lease shorter than heartbeat", func(c *Config) { c.Session.LeaseTimeout = time.Second }},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"negative recovery", func(c *Config) { c.Process.MaxRecoveryAttempts = -1 }},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
