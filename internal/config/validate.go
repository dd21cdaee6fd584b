package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	logx "releasebot/pkg/logx"
)

var knownDrivers = map[string]bool{
	"": true, "memory": true, "file": true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pgx": true,
	"redis": true,
}

// Validate checks a loaded config. Errors from every section are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is empty (set it or %s)", EnvTelegramToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if cfg.Telegram.Workers < 0 {
		add(errors.New("telegram.workers must be >= 0"))
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case !knownDrivers[driver]:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	case (driver == "postgres" || driver == "postgresql" || driver == "pgx" || driver == "redis") && strings.TrimSpace(cfg.Storage.DSN) == "":
		add(fmt.Errorf("storage.dsn is required for driver %q (or set %s)", driver, EnvStorageDSN))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("catalog.timeout", cfg.Catalog.Timeout)
	dur("catalog.retry_delay", cfg.Catalog.RetryDelay)
	if cfg.Catalog.Attempts < 0 || cfg.Catalog.SearchLimit < 0 {
		add(errors.New("catalog.attempts and catalog.search_limit must be >= 0"))
	}

	dur("watcher.drain_interval", cfg.Watcher.DrainInterval)
	dur("watcher.lookup_delay", cfg.Watcher.LookupDelay)
	dur("watcher.send_delay", cfg.Watcher.SendDelay)
	dur("watcher.run_timeout", cfg.Watcher.RunTimeout)

	n := cfg.EffectiveNotifier()
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.send_timeout", n.SendTimeout)
	if n.RatePerSec < 0 || n.RetryMax < 0 || n.HistorySize < 0 {
		add(errors.New("notifier.rate_per_sec, retry_max and history_size must be >= 0"))
	}

	if cfg.HTTP.Enabled {
		add(validateHTTP(cfg.HTTP))
	}
	return errors.Join(errs...)
}

func validateHTTP(h HTTPConfig) error {
	var errs []error
	for path, raw := range map[string]string{
		"http.read_timeout":  h.ReadTimeout,
		"http.write_timeout": h.WriteTimeout,
		"http.idle_timeout":  h.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return errors.Join(errs...)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("http.addr: %w", err))...)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		errs = append(errs, fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr))
	}
	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host resolves only to loopback without DNS.
// An empty host listens on all interfaces and is not loopback.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
