package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Catalog  CatalogConfig  `json:"catalog"`
	Watcher  WatcherConfig  `json:"watcher"`

	// Notifier defaults to enabled with stock pacing when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIKey is the legacy name for Token; Token wins when both are set.
	APIKey       string  `json:"apiKey,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server. Empty uses api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
	// BotName makes "/cmd@other_bot" messages in groups go unanswered.
	BotName        string `json:"bot_name,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscription store.
//
//	"storage": { "driver": "sqlite", "path": "./releasebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//	"storage": { "driver": "redis", "dsn": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // secret; never logged
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CatalogConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	Country     string `json:"country,omitempty"`
	SearchLimit int    `json:"search_limit,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
}

type WatcherConfig struct {
	// RefillSchedule is a cron spec; "@every 5m" when empty.
	RefillSchedule string `json:"refill_schedule,omitempty"`
	DrainInterval  string `json:"drain_interval,omitempty"`
	LookupDelay    string `json:"lookup_delay,omitempty"`
	SendDelay      string `json:"send_delay,omitempty"`
	RunTimeout     string `json:"run_timeout,omitempty"`
}

// NotifierConfig paces outbound release messages.
//
// Enabled is a pointer so an omitted "enabled" (a section that only tunes
// pacing) keeps delivery on; only an explicit false turns it off.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	on := true
	return NotifierConfig{
		Enabled:       &on,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}

// EffectiveNotifier returns the notifier section or its defaults.
func (c *Config) EffectiveNotifier() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// IsEnabled reports whether delivery is on. Omitted means enabled.
func (n NotifierConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// HTTPConfig controls the health/status HTTP server.
//
// Prefer a loopback Addr. A non-loopback Addr needs Token or AllowInsecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token for /status and pprof; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
