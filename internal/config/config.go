// Package config handles mailgate configuration loading.
//
// Configuration comes from an optional YAML file and from environment
// variables, which take precedence over the file. The resulting [Config]
// is built once at startup and passed explicitly into every component.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration problems. It is always fatal.
var ErrInvalid = errors.New("invalid configuration")

// LookupFunc resolves an environment variable. It has the signature of
// [os.LookupEnv] so tests can substitute a map.
type LookupFunc func(key string) (string, bool)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given.
func DefaultSearchPaths() []string {
	paths := []string{"mailgate.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailgate", "config.yaml"))
	}

	paths = append(paths, "/etc/mailgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise DefaultSearchPaths is searched and the first hit is
// returned. Unlike an explicit path, finding nothing is not an error:
// mailgate can be configured entirely from the environment, in which
// case the returned path is empty.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all mailgate configuration.
type Config struct {
	IMAP    IMAPConfig    `yaml:"imap"`
	Gateway GatewayConfig `yaml:"gateway"`
	State   StateConfig   `yaml:"state"`
	Metrics MetricsConfig `yaml:"metrics"`
	MQTT    MQTTConfig    `yaml:"mqtt"`

	// PollIntervalSec is the pause between cycles in continuous mode.
	// Default: 300.
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// DataDir holds the state file and the MQTT instance ID.
	// Default: ~/.local/state/mailgate.
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" (default) or "json"
}

// IMAPConfig holds the mailbox connection parameters. The connection
// always uses implicit TLS.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Folder is the mailbox folder to watch. Default: "INBOX".
	Folder string `yaml:"folder"`

	// InsecureSkipVerify disables certificate verification. Intended
	// for self-hosted servers with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// TimeoutSec bounds every individual IMAP operation. Default: 30.
	TimeoutSec int `yaml:"timeout_sec"`

	// ConnectAttempts is the number of connection attempts per cycle
	// for transient network and TLS failures. Default: 3.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// Addr returns host:port for dialing.
func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Timeout returns TimeoutSec as a duration.
func (c IMAPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GatewayConfig describes the HTTP endpoint that receives notifications.
type GatewayConfig struct {
	Scheme string `yaml:"scheme"` // Default: "http".
	Host   string `yaml:"host"`   // Default: "localhost".
	Port   int    `yaml:"port"`   // Default: 18789.
	Path   string `yaml:"path"`   // Default: "/api/message".

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Channel is the gateway channel the message is posted to.
	// Default: "openclaw".
	Channel string `yaml:"channel"`

	// TimeoutSec bounds each delivery attempt. Default: 10.
	TimeoutSec int `yaml:"timeout_sec"`

	// RateLimitMS is the minimum spacing between sends. Default: 1000.
	RateLimitMS int `yaml:"rate_limit_ms"`

	// MaxAttempts is the total number of delivery attempts, including
	// the first. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBaseMS is the delay before the first retry; each further
	// retry doubles it up to BackoffMaxMS. Defaults: 1000 and 30000.
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`

	// ExcerptChars caps the body excerpt in runes. Default: 500.
	ExcerptChars int `yaml:"excerpt_chars"`

	// InsecureSkipVerify disables certificate verification for an
	// https gateway. For self-signed gateways on the local network.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// UserAgent overrides the default "mailgate/<version>" header.
	UserAgent string `yaml:"user_agent"`
}

// URL returns the full endpoint URL for notifications.
func (c GatewayConfig) URL() string {
	return fmt.Sprintf("%s://%s%s", c.Scheme, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Path)
}

// Timeout returns TimeoutSec as a duration.
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RateLimit returns RateLimitMS as a duration.
func (c GatewayConfig) RateLimit() time.Duration {
	return time.Duration(c.RateLimitMS) * time.Millisecond
}

// BackoffBase returns BackoffBaseMS as a duration.
func (c GatewayConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns BackoffMaxMS as a duration.
func (c GatewayConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// StateConfig selects where the "already forwarded" set is persisted.
type StateConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the state file or database. Default: state.json or
	// state.db inside DataDir.
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the bind address (e.g. ":9090"). Empty disables the
	// metrics server.
	Listen string `yaml:"listen"`
}

// MQTTConfig controls the optional MQTT status publisher.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://, mqtts://, ssl://, tcp://).
	// Empty disables MQTT.
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // Default: "mailgate".

	// DiscoveryPrefix is the Home Assistant discovery topic prefix.
	// Default: "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PollInterval returns PollIntervalSec as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load builds a Config from the YAML file at path (skipped when path is
// empty), then applies environment overrides, defaults and validation.
// ${VAR} references inside the file are expanded through lookup.
func Load(path string, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
		}

		expanded := os.Expand(string(data), func(key string) string {
			v, _ := lookup(key)
			return v
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IMAP.Host == "" {
		c.IMAP.Host = "localhost"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.IMAP.TimeoutSec == 0 {
		c.IMAP.TimeoutSec = 30
	}
	if c.IMAP.ConnectAttempts == 0 {
		c.IMAP.ConnectAttempts = 3
	}

	g := &c.Gateway
	if g.Scheme == "" {
		g.Scheme = "http"
	}
	if g.Host == "" {
		g.Host = "localhost"
	}
	if g.Port == 0 {
		g.Port = 18789
	}
	if g.Path == "" {
		g.Path = "/api/message"
	}
	if g.Channel == "" {
		g.Channel = "openclaw"
	}
	if g.TimeoutSec == 0 {
		g.TimeoutSec = 10
	}
	if g.RateLimitMS == 0 {
		g.RateLimitMS = 1000
	}
	if g.MaxAttempts == 0 {
		g.MaxAttempts = 3
	}
	if g.BackoffBaseMS == 0 {
		g.BackoffBaseMS = 1000
	}
	if g.BackoffMaxMS == 0 {
		g.BackoffMaxMS = 30000
	}
	if g.ExcerptChars == 0 {
		g.ExcerptChars = 500
	}

	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 300
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "state", "mailgate")
		} else {
			c.DataDir = "data"
		}
	}
	c.DataDir = expandHome(c.DataDir)
	c.State.Path = expandHome(c.State.Path)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Path == "" {
		name := "state.json"
		if c.State.Backend == "sqlite" {
			name = "state.db"
		}
		c.State.Path = filepath.Join(c.DataDir, name)
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = "mailgate"
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error wrapping [ErrInvalid] describing the first problem found.
func (c *Config) Validate() error {
	if c.IMAP.Username == "" {
		return fmt.Errorf("%w: imap.username is required (MAILCOW_USERNAME)", ErrInvalid)
	}
	if c.IMAP.Password == "" {
		return fmt.Errorf("%w: imap.password is required (MAILCOW_PASSWORD)", ErrInvalid)
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("%w: imap.port %d out of range (1-65535)", ErrInvalid, c.IMAP.Port)
	}
	if c.IMAP.TimeoutSec < 0 || c.IMAP.ConnectAttempts < 0 {
		return fmt.Errorf("%w: imap timeouts and attempts must not be negative", ErrInvalid)
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d out of range (1-65535)", ErrInvalid, c.Gateway.Port)
	}
	if c.Gateway.Scheme != "http" && c.Gateway.Scheme != "https" {
		return fmt.Errorf("%w: gateway.scheme %q (valid: http, https)", ErrInvalid, c.Gateway.Scheme)
	}
	if c.Gateway.TimeoutSec < 0 || c.Gateway.RateLimitMS < 0 || c.Gateway.MaxAttempts < 0 ||
		c.Gateway.BackoffBaseMS < 0 || c.Gateway.BackoffMaxMS < 0 || c.Gateway.ExcerptChars < 0 {
		return fmt.Errorf("%w: gateway durations and limits must not be negative", ErrInvalid)
	}
	if c.PollIntervalSec < 0 {
		return fmt.Errorf("%w: poll_interval_sec %d must not be negative", ErrInvalid, c.PollIntervalSec)
	}
	if c.State.Backend != "file" && c.State.Backend != "sqlite" {
		return fmt.Errorf("%w: state.backend %q (valid: file, sqlite)", ErrInvalid, c.State.Backend)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log_format %q (valid: text, json)", ErrInvalid, c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
