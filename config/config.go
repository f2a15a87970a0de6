// Package config loads the daemon configuration from YAML with sane defaults
// for every field.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// CoordinatorConfig tunes the scheduling core.
type CoordinatorConfig struct {
	Workers          int      `yaml:"workers"`
	ExecTimeout      Duration `yaml:"exec_timeout"`
	CancelGrace      Duration `yaml:"cancel_grace"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	ContextAtoms     int      `yaml:"context_atoms"`
	ContextMemories  int      `yaml:"context_memories"`
}

// MemoryConfig points at the durable memory backends. Empty paths run the
// affected side on the in-process fallback.
type MemoryConfig struct {
	GraphPath  string `yaml:"graph_path"`
	VectorPath string `yaml:"vector_path"`
}

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Project     string            `yaml:"project"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Memory      MemoryConfig      `yaml:"memory"`

	// PersistHistory keeps task history in SQLite across restarts. Off by
	// default: the in-memory store is enough for a single session.
	PersistHistory bool   `yaml:"persist_history"`
	HistoryPath    string `yaml:"history_path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: "127.0.0.1:7478"},
		Project:  "default",
		DataDir:  "data",
		LogLevel: "info",
		Coordinator: CoordinatorConfig{
			Workers:          4,
			ExecTimeout:      Duration(10 * time.Minute),
			CancelGrace:      Duration(10 * time.Second),
			HeartbeatTimeout: Duration(5 * time.Minute),
			SweepInterval:    Duration(30 * time.Second),
			ContextAtoms:     5,
			ContextMemories:  5,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.fillPaths()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillPaths()
	return cfg, nil
}

// fillPaths derives storage paths from DataDir when not set explicitly.
func (c *Config) fillPaths() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Memory.GraphPath == "" {
		c.Memory.GraphPath = filepath.Join(c.DataDir, "graph.db")
	}
	if c.Memory.VectorPath == "" {
		c.Memory.VectorPath = filepath.Join(c.DataDir, "vectors.db")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.DataDir, "tasks.db")
	}
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
