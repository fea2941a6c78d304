// Package config loads the harness configuration with the precedence
// defaults < user (~/.amharness/config.toml) < project (.amharness.toml)
// < environment < CLI flags.
package config

import (
	"fmt"

	"github.com/Dicklesworthstone/amharness/internal/clock"
)

// Config is the effective harness configuration.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RunConfig controls the run identity and the suite runner.
type RunConfig struct {
	ClockMode       string `mapstructure:"clock_mode"`
	Seed            string `mapstructure:"seed"`
	Timestamp       string `mapstructure:"timestamp"`
	StartedAt       string `mapstructure:"started_at"`
	StartEpochS     string `mapstructure:"start_epoch_s"`
	TimeoutSecs     int    `mapstructure:"timeout_seconds"`
	Retries         int    `mapstructure:"retries"`
	KeepTmp         bool   `mapstructure:"keep_tmp"`
	MaxOutputBytes  int    `mapstructure:"max_output_bytes"`
	ArtifactBaseDir string `mapstructure:"artifact_base_dir"`
}

// RPCConfig controls the capture client timeouts.
type RPCConfig struct {
	ConnectTimeoutSecs int `mapstructure:"connect_timeout_seconds"`
	CallTimeoutSecs    int `mapstructure:"call_timeout_seconds"`
}

// ServerConfig controls subject-server launches.
type ServerConfig struct {
	Binary           string `mapstructure:"binary"`
	Host             string `mapstructure:"host"`
	ReadyTimeoutSecs int    `mapstructure:"ready_timeout_seconds"`
	ReadyMarker      string `mapstructure:"ready_marker"`
}

// HistoryConfig controls the run-history store.
type HistoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DatabasePath string `mapstructure:"database_path"`
}

// LoggingConfig controls harness logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns built-in defaults.
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			ClockMode:      string(clock.ModeWall),
			TimeoutSecs:    600,
			MaxOutputBytes: 256 * 1024,
		},
		RPC: RPCConfig{
			ConnectTimeoutSecs: 5,
			CallTimeoutSecs:    30,
		},
		Server: ServerConfig{
			Host:             "127.0.0.1",
			ReadyTimeoutSecs: 15,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the harness cannot run with.
func Validate(cfg Config) error {
	switch clock.Mode(cfg.Run.ClockMode) {
	case clock.ModeWall, clock.ModeDeterministic:
	default:
		return fmt.Errorf("run.clock_mode %q: want wall or deterministic", cfg.Run.ClockMode)
	}
	if cfg.Run.TimeoutSecs <= 0 {
		return fmt.Errorf("run.timeout_seconds must be positive")
	}
	if cfg.Run.Retries < 0 {
		return fmt.Errorf("run.retries must be non-negative")
	}
	if cfg.Run.MaxOutputBytes <= 0 {
		return fmt.Errorf("run.max_output_bytes must be positive")
	}
	if cfg.RPC.ConnectTimeoutSecs <= 0 || cfg.RPC.CallTimeoutSecs <= 0 {
		return fmt.Errorf("rpc timeouts must be positive")
	}
	if cfg.Server.ReadyTimeoutSecs <= 0 {
		return fmt.Errorf("server.ready_timeout_seconds must be positive")
	}
	return nil
}
