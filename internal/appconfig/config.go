// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	EnvPort     = "APPROVAL_RELAY_PORT"
	EnvClientID = "APPROVAL_RELAY_CLIENT_ID"
	EnvAPIKey   = "APPROVAL_RELAY_API_KEY"
)

// HubConfig controls the server role.
type HubConfig struct {
	Listen                string `yaml:"listen"`
	Port                  int    `yaml:"port"`
	APIKey                string `yaml:"api_key"`
	PingIntervalSeconds   int    `yaml:"ping_interval_seconds"`
	PongTimeoutSeconds    int    `yaml:"pong_timeout_seconds"`
	AuthTimeoutSeconds    int    `yaml:"auth_timeout_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	FallbackLocal         bool   `yaml:"fallback_local"`
}

// ClientConfig controls the client role shared by every target.
type ClientConfig struct {
	ClientID                 string `yaml:"client_id,omitempty"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int    `yaml:"heartbeat_timeout_seconds"`
	BackoffInitialSeconds    int    `yaml:"backoff_initial_seconds"`
	BackoffMaxSeconds        int    `yaml:"backoff_max_seconds"`
}

// ExecutorConfig names the approval program. An empty command means this
// binary's own "prompt" subcommand.
type ExecutorConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	Hub      HubConfig          `yaml:"hub"`
	Client   ClientConfig       `yaml:"client"`
	Tunnel   model.TunnelConfig `yaml:"tunnel"`
	Executor ExecutorConfig     `yaml:"executor"`
	Log      LogConfig          `yaml:"log"`
	UI       UIConfig           `yaml:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Hub: HubConfig{
			Listen:                "127.0.0.1",
			Port:                  util.DefaultPort,
			PingIntervalSeconds:   int(util.PingInterval / time.Second),
			PongTimeoutSeconds:    int(util.PongTimeout / time.Second),
			AuthTimeoutSeconds:    int(util.AuthTimeout / time.Second),
			RequestTimeoutSeconds: int(util.RequestTimeout / time.Second),
			FallbackLocal:         true,
		},
		Client: ClientConfig{
			HeartbeatIntervalSeconds: int(util.HeartbeatCheckInterval / time.Second),
			HeartbeatTimeoutSeconds:  int(util.HeartbeatTimeout / time.Second),
			BackoffInitialSeconds:    int(util.BackoffInitial / time.Second),
			BackoffMaxSeconds:        int(util.BackoffMax / time.Second),
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		UI:  UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/approval-relay.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "approval-relay"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "approval-relay"), nil
}

// FilePath joins name onto the config directory.
func FilePath(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// LogFilePath returns the configured log file, defaulting to relay.log in the config dir.
func (c Config) LogFilePath() (string, error) {
	if strings.TrimSpace(c.Log.File) != "" {
		return c.Log.File, nil
	}
	return FilePath("relay.log")
}

// Load reads config.yaml from the config directory, creating it with defaults
// on first use, then applies environment overrides. Overrides are never
// written back.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	normalize(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes config to config.yaml. The file holds the hub key, so it is owner-only.
func Save(cfg Config) error {
	path, err := FilePath("config.yaml")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func normalize(cfg *Config) {
	def := Default()
	if util.ValidatePort(cfg.Hub.Port) != nil {
		cfg.Hub.Port = def.Hub.Port
	}
	cfg.Hub.Listen = util.NormalizeAddr(cfg.Hub.Listen, def.Hub.Listen)
	positive(&cfg.Hub.PingIntervalSeconds, def.Hub.PingIntervalSeconds)
	positive(&cfg.Hub.PongTimeoutSeconds, def.Hub.PongTimeoutSeconds)
	positive(&cfg.Hub.AuthTimeoutSeconds, def.Hub.AuthTimeoutSeconds)
	positive(&cfg.Hub.RequestTimeoutSeconds, def.Hub.RequestTimeoutSeconds)
	if cfg.Hub.PongTimeoutSeconds <= cfg.Hub.PingIntervalSeconds {
		cfg.Hub.PongTimeoutSeconds = cfg.Hub.PingIntervalSeconds * 3
	}

	positive(&cfg.Client.HeartbeatIntervalSeconds, def.Client.HeartbeatIntervalSeconds)
	positive(&cfg.Client.HeartbeatTimeoutSeconds, def.Client.HeartbeatTimeoutSeconds)
	positive(&cfg.Client.BackoffInitialSeconds, def.Client.BackoffInitialSeconds)
	positive(&cfg.Client.BackoffMaxSeconds, def.Client.BackoffMaxSeconds)
	if cfg.Client.BackoffMaxSeconds < cfg.Client.BackoffInitialSeconds {
		cfg.Client.BackoffMaxSeconds = cfg.Client.BackoffInitialSeconds
	}

	if cfg.Tunnel.RemotePort != 0 && util.ValidatePort(cfg.Tunnel.RemotePort) != nil {
		cfg.Tunnel.RemotePort = 0
	}
	if cfg.Tunnel.SSHPort != 0 && util.ValidatePort(cfg.Tunnel.SSHPort) != nil {
		cfg.Tunnel.SSHPort = 0
	}
	if cfg.Tunnel.VerboseLevel < 0 {
		cfg.Tunnel.VerboseLevel = 0
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = def.Log.Level
	}
	positive(&cfg.Log.MaxSizeMB, def.Log.MaxSizeMB)
	if cfg.Log.MaxBackups < 0 {
		cfg.Log.MaxBackups = def.Log.MaxBackups
	}
	positive(&cfg.UI.RefreshSeconds, def.UI.RefreshSeconds)
}

func applyEnv(cfg *Config) error {
	port, ok, err := util.PortFromEnv(EnvPort)
	if err != nil {
		return err
	}
	if ok {
		cfg.Hub.Port = port
	}
	if id := strings.TrimSpace(os.Getenv(EnvClientID)); id != "" {
		cfg.Client.ClientID = id
	}
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.Hub.APIKey = key
	}
	return nil
}

func positive(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

// ClientID returns the configured client id or the hostname-pid default.
func (c Config) ClientID() string {
	return util.DefaultString(c.Client.ClientID, util.DefaultClientID())
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (h HubConfig) PingInterval() time.Duration   { return seconds(h.PingIntervalSeconds) }
func (h HubConfig) PongTimeout() time.Duration    { return seconds(h.PongTimeoutSeconds) }
func (h HubConfig) AuthTimeout() time.Duration    { return seconds(h.AuthTimeoutSeconds) }
func (h HubConfig) RequestTimeout() time.Duration { return seconds(h.RequestTimeoutSeconds) }

func (c ClientConfig) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatIntervalSeconds) }
func (c ClientConfig) HeartbeatTimeout() time.Duration  { return seconds(c.HeartbeatTimeoutSeconds) }
func (c ClientConfig) BackoffInitial() time.Duration    { return seconds(c.BackoffInitialSeconds) }
func (c ClientConfig) BackoffMax() time.Duration        { return seconds(c.BackoffMaxSeconds) }
