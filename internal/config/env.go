package config

import (
	"fmt"
	"strconv"
	"strings"
)

// envBinding maps one environment variable onto a config field. Exactly
// one of str, num or flag is set.
type envBinding struct {
	key  string
	str  func(c *Config) *string
	num  func(c *Config) *int
	flag func(c *Config) *bool
}

// envBindings lists every supported environment override. The MAILCOW_*,
// OPENCLAW_*, CHECK_INTERVAL and LAST_CHECK_FILE names are kept for
// compatibility with existing deployments.
var envBindings = []envBinding{
	{key: "MAILCOW_IMAP_HOST", str: func(c *Config) *string { return &c.IMAP.Host }},
	{key: "MAILCOW_IMAP_PORT", num: func(c *Config) *int { return &c.IMAP.Port }},
	{key: "MAILCOW_USERNAME", str: func(c *Config) *string { return &c.IMAP.Username }},
	{key: "MAILCOW_PASSWORD", str: func(c *Config) *string { return &c.IMAP.Password }},
	{key: "MAILGATE_FOLDER", str: func(c *Config) *string { return &c.IMAP.Folder }},
	{key: "MAILGATE_IMAP_INSECURE", flag: func(c *Config) *bool { return &c.IMAP.InsecureSkipVerify }},
	{key: "OPENCLAW_GATEWAY", str: func(c *Config) *string { return &c.Gateway.Host }},
	{key: "OPENCLAW_PORT", num: func(c *Config) *int { return &c.Gateway.Port }},
	{key: "OPENCLAW_TOKEN", str: func(c *Config) *string { return &c.Gateway.Token }},
	{key: "MAILGATE_GATEWAY_INSECURE", flag: func(c *Config) *bool { return &c.Gateway.InsecureSkipVerify }},
	{key: "CHECK_INTERVAL", num: func(c *Config) *int { return &c.PollIntervalSec }},
	{key: "MAILGATE_RATE_LIMIT_MS", num: func(c *Config) *int { return &c.Gateway.RateLimitMS }},
	{key: "LAST_CHECK_FILE", str: func(c *Config) *string { return &c.State.Path }},
	{key: "MAILGATE_STATE_BACKEND", str: func(c *Config) *string { return &c.State.Backend }},
	{key: "MAILGATE_DATA_DIR", str: func(c *Config) *string { return &c.DataDir }},
	{key: "MAILGATE_METRICS_LISTEN", str: func(c *Config) *string { return &c.Metrics.Listen }},
	{key: "MAILGATE_MQTT_BROKER", str: func(c *Config) *string { return &c.MQTT.Broker }},
	{key: "MAILGATE_LOG_LEVEL", str: func(c *Config) *string { return &c.LogLevel }},
	{key: "MAILGATE_LOG_FORMAT", str: func(c *Config) *string { return &c.LogFormat }},
}

// EnvKeys returns the names of all recognized environment variables, in
// the order they are applied. Used by the usage text.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = b.key
	}
	return keys
}

// applyEnv overwrites fields for every variable that is set and
// non-empty. Unparseable numbers and booleans are configuration errors
// rather than silently ignored.
func (c *Config) applyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		raw, ok := lookup(b.key)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}

		switch {
		case b.str != nil:
			*b.str(c) = raw
		case b.num != nil:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, b.key, raw)
			}
			*b.num(c) = n
		case b.flag != nil:
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, b.key, raw)
			}
			*b.flag(c) = v
		}
	}
	return nil
}
