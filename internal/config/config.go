package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CONDUIT_SOCKET_BASE_PORT.
const EnvPrefix = "CONDUIT"

// Config holds the global conduit configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" split_words:"true"`
	Socket   SocketConfig   `yaml:"socket" split_words:"true"`
	Logging  LoggingConfig  `yaml:"logging" split_words:"true"`
	Audit    AuditConfig    `yaml:"audit" split_words:"true"`
	Metrics  MetricsConfig  `yaml:"metrics" split_words:"true"`
}

// PipelineConfig controls where stages read and write.
type PipelineConfig struct {
	DataDir string `yaml:"data_dir" split_words:"true"` // base for relative file names
	PipeDir string `yaml:"pipe_dir" split_words:"true"` // parent of the per-run FIFO dir
	Shell   string `yaml:"shell" split_words:"true"`
}

// SocketConfig controls parallel lanes.
type SocketConfig struct {
	Host        string        `yaml:"host" split_words:"true"`
	BasePort    int           `yaml:"base_port" split_words:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout" split_words:"true"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	Level       string `yaml:"level" split_words:"true"`
	Development bool   `yaml:"development" split_words:"true"`
}

// AuditConfig controls the run journal.
type AuditConfig struct {
	Path string `yaml:"path" split_words:"true"`
}

// MetricsConfig controls the Prometheus listener. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" split_words:"true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Pipeline: PipelineConfig{
			DataDir: ".",
			PipeDir: os.TempDir(),
			Shell:   "sh",
		},
		Socket: SocketConfig{
			Host:        "localhost",
			BasePort:    13500,
			DialTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Audit: AuditConfig{
			Path: filepath.Join(home, ".local", "share", "conduit", "runs.jsonl"),
		},
	}
}

// Load reads the config from the standard location (~/.config/conduit/config.yaml).
// If the file doesn't exist, returns the default config. Environment
// overrides are applied either way.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config from the given path, then applies CONDUIT_*
// environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config from environment: %w", err)
	}

	cfg.Audit.Path = expandHome(cfg.Audit.Path)
	cfg.Pipeline.DataDir = expandHome(cfg.Pipeline.DataDir)
	cfg.Pipeline.PipeDir = expandHome(cfg.Pipeline.PipeDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	if c.Socket.BasePort <= 0 || c.Socket.BasePort > 65534 {
		return fmt.Errorf("socket.base_port %d out of range", c.Socket.BasePort)
	}
	if c.Socket.DialTimeout < 0 {
		return fmt.Errorf("socket.dial_timeout must not be negative")
	}
	if c.Pipeline.Shell == "" {
		return fmt.Errorf("pipeline.shell must be set")
	}
	return nil
}

// ConfigPath returns the standard config file path.
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "conduit", "config.yaml")
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, path[1:])
}
