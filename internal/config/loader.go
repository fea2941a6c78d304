package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// LoadOptions controls configuration loading.
type LoadOptions struct {
	// ProjectDir locates .amharness.toml. Defaults to CWD when empty.
	ProjectDir string
	// ConfigPath overrides the project config path if provided.
	ConfigPath string
	// FlagOverrides are highest-priority overrides from CLI flags
	// (dot-notated keys).
	FlagOverrides map[string]any
}

// Load returns the effective configuration after applying precedence.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	projectDir := opts.ProjectDir
	if projectDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			projectDir = cwd
		}
	}

	if err := mergeConfigFile(v, userConfigPath()); err != nil {
		return Config{}, err
	}
	if err := mergeConfigFile(v, projectConfigPath(projectDir, opts.ConfigPath)); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(v); err != nil {
		return Config{}, err
	}
	for k, val := range opts.FlagOverrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("run.clock_mode", def.Run.ClockMode)
	v.SetDefault("run.seed", def.Run.Seed)
	v.SetDefault("run.timestamp", def.Run.Timestamp)
	v.SetDefault("run.started_at", def.Run.StartedAt)
	v.SetDefault("run.start_epoch_s", def.Run.StartEpochS)
	v.SetDefault("run.timeout_seconds", def.Run.TimeoutSecs)
	v.SetDefault("run.retries", def.Run.Retries)
	v.SetDefault("run.keep_tmp", def.Run.KeepTmp)
	v.SetDefault("run.max_output_bytes", def.Run.MaxOutputBytes)
	v.SetDefault("run.artifact_base_dir", def.Run.ArtifactBaseDir)

	v.SetDefault("rpc.connect_timeout_seconds", def.RPC.ConnectTimeoutSecs)
	v.SetDefault("rpc.call_timeout_seconds", def.RPC.CallTimeoutSecs)

	v.SetDefault("server.binary", def.Server.Binary)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.ready_timeout_seconds", def.Server.ReadyTimeoutSecs)
	v.SetDefault("server.ready_marker", def.Server.ReadyMarker)

	v.SetDefault("history.enabled", def.History.Enabled)
	v.SetDefault("history.database_path", def.History.DatabasePath)

	v.SetDefault("logging.level", def.Logging.Level)
}

// mergeConfigFile merges the TOML config file if it exists.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
)

var envBindings = []struct {
	Env  string
	Key  string
	Kind valueKind
}{
	{"E2E_CLOCK_MODE", "run.clock_mode", kindString},
	{"E2E_SEED", "run.seed", kindString},
	{"E2E_TIMESTAMP", "run.timestamp", kindString},
	{"E2E_RUN_STARTED_AT", "run.started_at", kindString},
	{"E2E_RUN_START_EPOCH_S", "run.start_epoch_s", kindString},
	{"AM_E2E_KEEP_TMP", "run.keep_tmp", kindBool},
	{"AM_HARNESS_TIMEOUT_SECONDS", "run.timeout_seconds", kindInt},
	{"AM_HARNESS_RETRIES", "run.retries", kindInt},
	{"AM_HARNESS_MAX_OUTPUT_BYTES", "run.max_output_bytes", kindInt},
	{"AM_HARNESS_ARTIFACT_DIR", "run.artifact_base_dir", kindString},

	{"AM_HARNESS_RPC_CONNECT_TIMEOUT", "rpc.connect_timeout_seconds", kindInt},
	{"AM_HARNESS_RPC_CALL_TIMEOUT", "rpc.call_timeout_seconds", kindInt},

	{"AM_HARNESS_SERVER_BINARY", "server.binary", kindString},
	{"AM_HARNESS_SERVER_HOST", "server.host", kindString},
	{"AM_HARNESS_SERVER_READY_TIMEOUT", "server.ready_timeout_seconds", kindInt},
	{"AM_HARNESS_SERVER_READY_MARKER", "server.ready_marker", kindString},

	{"AM_HARNESS_HISTORY_ENABLED", "history.enabled", kindBool},
	{"AM_HARNESS_HISTORY_DB", "history.database_path", kindString},

	{"AM_HARNESS_LOG_LEVEL", "logging.level", kindString},
}

func applyEnvOverrides(v *viper.Viper) error {
	for _, binding := range envBindings {
		val := os.Getenv(binding.Env)
		if val == "" {
			continue
		}
		parsed, err := parseValueByKind(val, binding.Kind)
		if err != nil {
			return fmt.Errorf("env %s: %w", binding.Env, err)
		}
		v.Set(binding.Key, parsed)
	}
	return nil
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindBool:
		// AM_E2E_KEEP_TMP=1 is the conventional truthy form.
		if raw == "1" {
			return true, nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected boolean: %w", err)
		}
		return v, nil
	case kindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value kind")
	}
}

// ConfigPaths returns the user and project config file paths.
func ConfigPaths(projectDir, configOverride string) (string, string) {
	return userConfigPath(), projectConfigPath(projectDir, configOverride)
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".amharness", "config.toml")
}

func projectConfigPath(projectDir, override string) string {
	if override != "" {
		return override
	}
	if projectDir == "" {
		return ".amharness.toml"
	}
	return filepath.Join(projectDir, ".amharness.toml")
}

// WriteValue sets a single key/value into the given TOML config file,
// creating it if needed.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	var existing map[string]any
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &existing); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	if existing == nil {
		existing = map[string]any{}
	}

	if err := setNested(existing, key, value); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	if err := enc.Encode(existing); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func setNested(m map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return nil
		}
		next, ok := cur[p]
		if !ok {
			child := map[string]any{}
			cur[p] = child
			cur = child
			continue
		}
		childMap, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot set %s: %s is not a table", key, strings.Join(parts[:i+1], "."))
		}
		cur = childMap
	}
	return nil
}
