package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jward/calltrace"
	"gopkg.in/yaml.v3"
)

const (
	configVersion  = "1"
	configDirName  = ".calltrace"
	configFileName = "config.yaml"
)

// Config is the .calltrace/config.yaml document. Command-line flags take
// precedence over it, and environment variables over the file.
type Config struct {
	Version   string      `yaml:"version"`
	Index     IndexConfig `yaml:"index"`
	Trace     TraceConfig `yaml:"trace"`
	RulesFile string      `yaml:"rules_file,omitempty"`
	Serve     ServeConfig `yaml:"serve"`
}

type IndexConfig struct {
	// DB is the SQLite index path, relative to the repository root.
	DB string `yaml:"db,omitempty"`
	// SourceRoot is where call-site files are read from and where the
	// textual fallback searches. Defaults to the repository root.
	SourceRoot string `yaml:"source_root,omitempty"`
}

type TraceConfig struct {
	MaxDepth     int           `yaml:"max_depth"`
	Timeout      time.Duration `yaml:"timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Fallback enables the textual oracle when the index is unavailable.
	Fallback *bool `yaml:"fallback,omitempty"`
}

type ServeConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit is the sustained /trace request rate per second.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{
		Version: configVersion,
		Trace: TraceConfig{
			MaxDepth:     calltrace.DefaultMaxDepth,
			Timeout:      calltrace.DefaultTimeout,
			QueryTimeout: calltrace.DefaultQueryTimeout,
		},
		Serve: ServeConfig{
			Addr:      ":7420",
			RateLimit: 20,
			Burst:     40,
		},
	}
}

// FallbackEnabled reports whether the textual fallback is on. It is on
// unless the config turns it off.
func (c *Config) FallbackEnabled() bool {
	return c.Trace.Fallback == nil || *c.Trace.Fallback
}

// LoadConfig loads configuration from path, or from CALLTRACE_CONFIG, or
// from the first .calltrace/config.yaml found walking up from startDir.
// When no file is found the defaults are returned with an empty path.
// Environment overrides are applied in every case.
func LoadConfig(path, startDir string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv("CALLTRACE_CONFIG")
	}
	if path == "" {
		path, _ = findConfigFile(startDir)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, cfg); err != nil {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, "", err
	}
	if err := cfg.validate(); err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("config %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("config: %w", err)
	}
	return cfg, path, nil
}

// decodeConfig overlays the YAML document in data onto cfg.
func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.Version != configVersion {
		return fmt.Errorf("unsupported config version %q (want %q)", cfg.Version, configVersion)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CALLTRACE_DB"); v != "" {
		c.Index.DB = v
	}
	if v := os.Getenv("CALLTRACE_RULES"); v != "" {
		c.RulesFile = v
	}
	if v := os.Getenv("CALLTRACE_MAX_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALLTRACE_MAX_DEPTH: %w", err)
		}
		c.Trace.MaxDepth = n
	}
	if v := os.Getenv("CALLTRACE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALLTRACE_TIMEOUT: %w", err)
		}
		c.Trace.Timeout = d
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Trace.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("trace.max_depth must be at least 1, got %d", c.Trace.MaxDepth))
	}
	if c.Trace.Timeout < 0 {
		errs = append(errs, fmt.Errorf("trace.timeout must not be negative"))
	}
	if c.Trace.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("trace.query_timeout must not be negative"))
	}
	if c.Serve.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("serve.rate_limit must be positive"))
	}
	if c.Serve.Burst < 1 {
		errs = append(errs, fmt.Errorf("serve.burst must be at least 1"))
	}
	return errors.Join(errs...)
}

// SaveConfig writes cfg to path as YAML, creating the directory.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ConfigPath returns <dir>/.calltrace/config.yaml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, configDirName, configFileName)
}

// findConfigFile walks up from startDir to the filesystem root.
func findConfigFile(startDir string) (string, bool) {
	dir := startDir
	for {
		p := ConfigPath(dir)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
