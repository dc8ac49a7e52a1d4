// Package config loads runtime configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Phases   PhasesConfig   `mapstructure:"phases" yaml:"phases"`
	Process  ProcessConfig  `mapstructure:"process" yaml:"process"`
	Breakers BreakersConfig `mapstructure:"breakers" yaml:"breakers"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Reaper   ReaperConfig   `mapstructure:"reaper" yaml:"reaper"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// DatabaseConfig selects and locates the coordination store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	Path         string `mapstructure:"path" yaml:"path"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// SessionConfig tunes leases and heartbeats.
type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	LeaseTimeout      time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
}

// PipelineConfig controls worker loops.
type PipelineConfig struct {
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	MaxArticles   int           `mapstructure:"max_articles" yaml:"max_articles"`
	Delay         time.Duration `mapstructure:"delay" yaml:"delay"`
	ClaimAttempts int           `mapstructure:"claim_attempts" yaml:"claim_attempts"`
}

// PhasesConfig configures the phase collaborators.
type PhasesConfig struct {
	UserAgent          string        `mapstructure:"user_agent" yaml:"user_agent"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	MediaDir           string        `mapstructure:"media_dir" yaml:"media_dir"`
	MaxMediaPerArticle int           `mapstructure:"max_media_per_article" yaml:"max_media_per_article"`
	PrepareCommand     []string      `mapstructure:"prepare_command" yaml:"prepare_command"`
	PublishCommand     []string      `mapstructure:"publish_command" yaml:"publish_command"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// ProcessConfig configures the supervised crawl process.
type ProcessConfig struct {
	Command             string        `mapstructure:"command" yaml:"command"`
	Args                []string      `mapstructure:"args" yaml:"args"`
	WorkDir             string        `mapstructure:"work_dir" yaml:"work_dir"`
	StateFile           string        `mapstructure:"state_file" yaml:"state_file"`
	MaxMemoryMB         float64       `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	CPUThreshold        float64       `mapstructure:"cpu_threshold" yaml:"cpu_threshold"`
	ProgressStaleAfter  time.Duration `mapstructure:"progress_stale_after" yaml:"progress_stale_after"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	AutoRecovery        bool          `mapstructure:"auto_recovery" yaml:"auto_recovery"`
	AutoRestart         bool          `mapstructure:"auto_restart" yaml:"auto_restart"`
	KillPatterns        []string      `mapstructure:"kill_patterns" yaml:"kill_patterns"`
}

// BreakerConfig is one circuit breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
}

// BreakersConfig groups the process manager's breakers.
type BreakersConfig struct {
	Start  BreakerConfig `mapstructure:"start" yaml:"start"`
	Memory BreakerConfig `mapstructure:"memory" yaml:"memory"`
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ReaperConfig schedules the periodic stale-session cleanup.
type ReaperConfig struct {
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
}

// Load builds a Config from disk/environment. An empty path reads only
// defaults and AINEWS_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AINEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".ainews")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dataDir, "ainews.db"))
	v.SetDefault("database.max_open_conns", 4)

	v.SetDefault("session.heartbeat_interval", 30*time.Second)
	v.SetDefault("session.lease_timeout", 30*time.Minute)
	v.SetDefault("session.join_timeout", 5*time.Second)

	v.SetDefault("pipeline.workers", 3)
	v.SetDefault("pipeline.max_articles", 0)
	v.SetDefault("pipeline.delay", 5*time.Second)
	v.SetDefault("pipeline.claim_attempts", 3)

	v.SetDefault("phases.user_agent", "ainews-bot/1.0")
	v.SetDefault("phases.fetch_timeout", 30*time.Second)
	v.SetDefault("phases.media_dir", filepath.Join(dataDir, "media"))
	v.SetDefault("phases.max_media_per_article", 10)
	v.SetDefault("phases.command_timeout", 5*time.Minute)

	v.SetDefault("process.command", "python3")
	v.SetDefault("process.args", []string{"main.py", "--rss-scrape"})
	v.SetDefault("process.state_file", filepath.Join(dataDir, "parser_state.json"))
	v.SetDefault("process.max_memory_mb", 8192)
	v.SetDefault("process.cpu_threshold", 90)
	v.SetDefault("process.progress_stale_after", 5*time.Minute)
	v.SetDefault("process.monitor_interval", 30*time.Second)
	v.SetDefault("process.health_interval", 30*time.Second)
	v.SetDefault("process.stop_timeout", 10*time.Second)
	v.SetDefault("process.max_recovery_attempts", 3)
	v.SetDefault("process.auto_recovery", true)
	v.SetDefault("process.auto_restart", false)
	v.SetDefault("process.kill_patterns", []string{"rss_scrape_parser", "unified_crawl_parser", "ainews-clean"})

	v.SetDefault("breakers.start.failure_threshold", 3)
	v.SetDefault("breakers.start.recovery_timeout", 300*time.Second)
	v.SetDefault("breakers.memory.failure_threshold", 5)
	v.SetDefault("breakers.memory.recovery_timeout", 120*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:7466")
	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be > 0")
	}
	if c.Session.LeaseTimeout <= c.Session.HeartbeatInterval {
		return fmt.Errorf("session.lease_timeout must be greater than session.heartbeat_interval")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxArticles < 0 {
		return fmt.Errorf("pipeline.max_articles must be >= 0")
	}
	if c.Pipeline.Delay < 0 {
		return fmt.Errorf("pipeline.delay must be >= 0")
	}
	if c.Process.MaxMemoryMB <= 0 {
		return fmt.Errorf("process.max_memory_mb must be > 0")
	}
	if c.Process.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("process.max_recovery_attempts must be >= 0")
	}
	if c.Breakers.Start.FailureThreshold <= 0 || c.Breakers.Memory.FailureThreshold <= 0 {
		return fmt.Errorf("breakers.*.failure_threshold must be > 0")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}
	return nil
}
