package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// envMap returns a LookupFunc backed by m.
func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "imap:\n  host: mail.example.com\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/mailgate.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_NothingFoundIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "" && !strings.HasPrefix(got, "/etc/") {
		t.Errorf("FindConfig(\"\") = %q, want empty", got)
	}
}

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"MAILCOW_USERNAME":  "agent@example.com",
		"MAILCOW_PASSWORD":  "hunter2",
		"MAILGATE_DATA_DIR": "/var/lib/mailgate",
	}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.IMAP.Host != "localhost" || cfg.IMAP.Port != 993 {
		t.Errorf("imap = %s:%d, want localhost:993", cfg.IMAP.Host, cfg.IMAP.Port)
	}
	if cfg.IMAP.Folder != "INBOX" {
		t.Errorf("folder = %q, want INBOX", cfg.IMAP.Folder)
	}
	if got := cfg.Gateway.URL(); got != "http://localhost:18789/api/message" {
		t.Errorf("gateway URL = %q", got)
	}
	if cfg.PollInterval() != 300*time.Second {
		t.Errorf("PollInterval() = %v, want 5m", cfg.PollInterval())
	}
	if cfg.Gateway.RateLimit() != time.Second {
		t.Errorf("RateLimit() = %v, want 1s", cfg.Gateway.RateLimit())
	}
	if cfg.Gateway.Timeout() != 10*time.Second {
		t.Errorf("gateway Timeout() = %v, want 10s", cfg.Gateway.Timeout())
	}
	if cfg.Gateway.MaxAttempts != 3 || cfg.Gateway.BackoffBase() != time.Second {
		t.Errorf("retry = %d attempts, base %v; want 3, 1s", cfg.Gateway.MaxAttempts, cfg.Gateway.BackoffBase())
	}
	if cfg.State.Backend != "file" {
		t.Errorf("state backend = %q, want file", cfg.State.Backend)
	}
	if want := filepath.Join("/var/lib/mailgate", "state.json"); cfg.State.Path != want {
		t.Errorf("state path = %q, want %q", cfg.State.Path, want)
	}
	if cfg.MQTT.Configured() {
		t.Error("MQTT should not be configured by default")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
imap:
  host: file.example.com
  port: 1993
  username: file-user
  password: ${SECRET}
gateway:
  host: gw.internal
  port: 9000
poll_interval_sec: 60
`)

	cfg, err := Load(path, envMap(map[string]string{
		"SECRET":            "from-expansion",
		"MAILCOW_IMAP_HOST": "env.example.com",
		"OPENCLAW_PORT":     "18000",
		"CHECK_INTERVAL":    "30",
	}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.IMAP.Host != "env.example.com" {
		t.Errorf("imap.host = %q, want env override", cfg.IMAP.Host)
	}
	if cfg.IMAP.Port != 1993 {
		t.Errorf("imap.port = %d, want file value 1993", cfg.IMAP.Port)
	}
	if cfg.IMAP.Password != "from-expansion" {
		t.Errorf("imap.password = %q, want expanded value", cfg.IMAP.Password)
	}
	if cfg.Gateway.Host != "gw.internal" || cfg.Gateway.Port != 18000 {
		t.Errorf("gateway = %s:%d, want gw.internal:18000", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.PollIntervalSec != 30 {
		t.Errorf("poll_interval_sec = %d, want 30", cfg.PollIntervalSec)
	}
}

func TestLoad_SQLiteDefaultPath(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"MAILCOW_USERNAME":       "u",
		"MAILCOW_PASSWORD":       "p",
		"MAILGATE_DATA_DIR":      "/data",
		"MAILGATE_STATE_BACKEND": "sqlite",
	}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.State.Path != filepath.Join("/data", "state.db") {
		t.Errorf("state path = %q, want /data/state.db", cfg.State.Path)
	}
}

func TestLoad_MQTTDefaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"MAILCOW_USERNAME":     "u",
		"MAILCOW_PASSWORD":     "p",
		"MAILGATE_MQTT_BROKER": "mqtt://broker.lan:1883",
	}))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.MQTT.Configured() {
		t.Fatal("MQTT should be configured when a broker is set")
	}
	if cfg.MQTT.DeviceName != "mailgate" {
		t.Errorf("device name = %q, want mailgate", cfg.MQTT.DeviceName)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery prefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
}

func TestLoad_Invalid(t *testing.T) {
	base := map[string]string{
		"MAILCOW_USERNAME": "u",
		"MAILCOW_PASSWORD": "p",
	}

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing username", env: map[string]string{"MAILCOW_PASSWORD": "p"}, want: "imap.username"},
		{name: "missing password", env: map[string]string{"MAILCOW_USERNAME": "u"}, want: "imap.password"},
		{name: "non-numeric port", env: map[string]string{"MAILCOW_IMAP_PORT": "imaps"}, want: "MAILCOW_IMAP_PORT"},
		{name: "port out of range", env: map[string]string{"OPENCLAW_PORT": "70000"}, want: "gateway.port"},
		{name: "bad boolean", env: map[string]string{"MAILGATE_IMAP_INSECURE": "sometimes"}, want: "MAILGATE_IMAP_INSECURE"},
		{name: "negative interval", env: map[string]string{"CHECK_INTERVAL": "-5"}, want: "poll_interval_sec"},
		{name: "unknown backend", env: map[string]string{"MAILGATE_STATE_BACKEND": "redis"}, want: "state.backend"},
		{name: "unknown log level", env: map[string]string{"MAILGATE_LOG_LEVEL": "verbose"}, want: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := make(map[string]string)
			if !strings.HasPrefix(tt.name, "missing") {
				for k, v := range base {
					env[k] = v
				}
			}
			for k, v := range tt.env {
				env[k] = v
			}

			_, err := Load("", envMap(env))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "imap: [unterminated\n")

	_, err := Load(path, envMap(nil))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestEnvKeys(t *testing.T) {
	keys := EnvKeys()
	for _, want := range []string{"MAILCOW_PASSWORD", "OPENCLAW_GATEWAY", "CHECK_INTERVAL"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("EnvKeys() missing %s", want)
		}
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, `
imap:
  username: u
  password: p
data_dir: ~/mailgate
state:
  path: ~/custom/state.json
`)
	cfg, err := Load(path, envMap(nil))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if want := filepath.Join(home, "mailgate"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if want := filepath.Join(home, "custom", "state.json"); cfg.State.Path != want {
		t.Errorf("State.Path = %q, want %q", cfg.State.Path, want)
	}
}
