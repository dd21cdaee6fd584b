package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{
  "telegram": {"token": "file-token", "owner_user_ids": [1]},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./releasebot.db"},
  "catalog": {},
  "watcher": {"refill_schedule": "@every 5m"},
  "http": {}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", minimalJSON))
	m.SetEnv(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if n := cfg.EffectiveNotifier(); !n.IsEnabled() || n.RatePerSec != 3 || n.RetryMax != 3 {
		t.Fatalf("notifier defaults = %+v", n)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := `
telegram:
  token: yaml-token
  owner_user_ids: [10, 20]
storage:
  driver: redis
  dsn: redis://localhost:6379/0
notifier:
  enabled: true
  rate_per_sec: 5
  retry_max: 1
  retry_base: 1s
  retry_max_delay: 2s
`
	m := NewConfigManager(writeFile(t, "config.yaml", body))
	m.SetEnv(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 20 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.EffectiveNotifier().RatePerSec != 5 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
}

func TestNotifierEnabledDefaultsOn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		section string
		want    bool
	}{
		{"omitted section", ``, true},
		{"pacing only", `,"notifier": {"rate_per_sec": 5}`, true},
		{"explicit true", `,"notifier": {"enabled": true}`, true},
		{"explicit false", `,"notifier": {"enabled": false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := strings.TrimSuffix(minimalJSON, "}") + tt.section + "}"
			m := NewConfigManager(writeFile(t, "config.json", body))
			m.SetEnv(envMap(nil))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.EffectiveNotifier().IsEnabled(); got != tt.want {
				t.Fatalf("IsEnabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{name: "unknown field", file: "c.json", body: `{"telegram":{"token":"x"},"plugins":{}}`, want: "unknown field"},
		{name: "trailing data", file: "c.json", body: `{"telegram":{"token":"x"}} {}`, want: "trailing data"},
		{name: "yaml unknown field", file: "c.yml", body: "watcher:\n  interval: 5m\n", want: "unknown field"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		env       map[string]string
		wantToken string
		wantDSN   string
	}{
		{name: "env wins", body: `{"telegram":{"token":"file"}}`, env: map[string]string{EnvTelegramToken: "env"}, wantToken: "env"},
		{name: "legacy file key", body: `{"telegram":{"apiKey":"legacy"}}`, wantToken: "legacy"},
		{name: "legacy env fills empty", body: `{"telegram":{}}`, env: map[string]string{EnvLegacyToken: "old"}, wantToken: "old"},
		{name: "legacy env does not override", body: `{"telegram":{"token":"file"}}`, env: map[string]string{EnvLegacyToken: "old"}, wantToken: "file"},
		{name: "dsn", body: `{"telegram":{"token":"t"}}`, env: map[string]string{EnvStorageDSN: "postgres://x"}, wantToken: "t", wantDSN: "postgres://x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, "c.json", tt.body))
			m.SetEnv(envMap(tt.env))
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if cfg.Telegram.Token != tt.wantToken || cfg.Storage.DSN != tt.wantDSN {
				t.Fatalf("token = %q dsn = %q, want %q %q", cfg.Telegram.Token, cfg.Storage.DSN, tt.wantToken, tt.wantDSN)
			}
			if cfg.Telegram.APIKey != "" {
				t.Fatalf("legacy key not cleared")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "no token", mutate: func(c *Config) { c.Telegram.Token = "" }, want: "telegram.token"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, want: "unknown driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.dsn"},
		{name: "bad duration", mutate: func(c *Config) { c.Watcher.DrainInterval = "soon" }, want: "watcher.drain_interval"},
		{name: "negative duration", mutate: func(c *Config) { c.Catalog.Timeout = "-1s" }, want: ">= 0"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging.level"},
		{name: "public http without token", mutate: func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"} }, want: "not loopback"},
		{name: "public http with token", mutate: func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: ":8080", Token: "s"} }},
		{name: "loopback http", mutate: func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "[::1]:8080"} }},
	}
	for _, tt := range tests {
		c := base()
		tt.mutate(c)
		err := Validate(c)
		if tt.want == "" {
			if err != nil {
				t.Fatalf("%s: Validate = %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: Validate = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "150ms", time.Second)
	if err != nil || d != 150*time.Millisecond {
		t.Fatalf("150ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatalf("invalid duration accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: StorageConfig{DSN: "secret-1"}}
	cur := &Config{
		Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}},
		Storage:  StorageConfig{DSN: "secret-2"},
		Logging:  LoggingConfig{Level: "debug"},
		HTTP:     HTTPConfig{Enabled: true, Token: "hunter2"},
	}
	ch := SummarizeConfigChange(old, cur)
	want := "http,logging,storage,telegram.commands"
	if got := strings.Join(ch.Sections, ","); got != want {
		t.Fatalf("sections = %s, want %s", got, want)
	}
	if r := ch.RestartRequired(); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("RestartRequired = %v", r)
	}
	if !ch.Has("logging") || ch.Has("watcher") {
		t.Fatalf("Has mismatch")
	}
	if same := SummarizeConfigChange(cur, cur); len(same.Sections) != 0 {
		t.Fatalf("identical configs changed: %v", same.Sections)
	}

	on := true
	explicit := DefaultNotifier()
	explicit.Enabled = &on
	if ch := SummarizeConfigChange(&Config{}, &Config{Notifier: &explicit}); ch.Has("notifier") {
		t.Fatalf("explicit enabled=true reported as a notifier change")
	}
	off := false
	disabled := DefaultNotifier()
	disabled.Enabled = &off
	if ch := SummarizeConfigChange(&Config{}, &Config{Notifier: &disabled}); !ch.Has("notifier") {
		t.Fatalf("disabling the notifier not reported")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", minimalJSON)
	m := NewConfigManager(path)
	m.SetEnv(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx := context.Background()

	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(minimalJSON, `"info"`, `"debug"`, 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if changed, err := m.Reload(ctx); err != nil || !changed {
		t.Fatalf("changed reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("nothing published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.Canceled })
	if err := os.WriteFile(path, []byte(minimalJSON), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if changed, err := m.Reload(ctx); err == nil || changed {
		t.Fatalf("rejected reload = %v, %v", changed, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("rejected config was committed")
	}
	m.Unsubscribe(sub)
}
