package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr   = "127.0.0.1:8485"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultHistoryLimit = 100
	DefaultConnectWait  = 10 * time.Second
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

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

// PublishConfig holds publish-subcommand settings.
type PublishConfig struct {
	DesktopID   string   `yaml:"desktop_id"`
	BusAddress  string   `yaml:"bus_address"`
	StateFile   string   `yaml:"state_file"`
	MenuPath    string   `yaml:"menu_path"`
	ConnectWait Duration `yaml:"connect_wait"`
}

// MonitorConfig holds monitor-subcommand settings.
type MonitorConfig struct {
	BusAddress    string `yaml:"bus_address"`
	HistoryLimit  int    `yaml:"history_limit"`
	Notifications *bool  `yaml:"notifications"`
}

// Config is the top-level configuration file structure.
type Config struct {
	StateDir  string        `yaml:"state_dir"`
	Listen    string        `yaml:"listen"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Publish   PublishConfig `yaml:"publish"`
	Monitor   MonitorConfig `yaml:"monitor"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "sync-menu", "config.yaml")
}

// DefaultStateDir returns $XDG_STATE_HOME/sync-menu, falling back to
// ~/.local/state/sync-menu.
func DefaultStateDir() (string, error) {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "sync-menu"), nil
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// WithDefaults returns a copy with unset fields filled in.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.Listen == "" {
		out.Listen = DefaultListenAddr
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	if out.Publish.ConnectWait == 0 {
		out.Publish.ConnectWait = Duration(DefaultConnectWait)
	}
	if out.Monitor.HistoryLimit == 0 {
		out.Monitor.HistoryLimit = DefaultHistoryLimit
	}
	return &out
}

// Validate checks values that cannot be caught by the YAML decoder.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Monitor.HistoryLimit < 0 {
		return fmt.Errorf("monitor.history_limit must not be negative")
	}
	if c.Publish.ConnectWait < 0 {
		return fmt.Errorf("publish.connect_wait must not be negative")
	}
	if p := c.Publish.MenuPath; p != "" && p[0] != '/' {
		return fmt.Errorf("publish.menu_path must be an absolute object path, got %q", p)
	}
	return nil
}
