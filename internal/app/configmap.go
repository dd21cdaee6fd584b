package app

import (
	"errors"
	"strings"
	"time"

	"releasebot/internal/catalog"
	"releasebot/internal/config"
	"releasebot/internal/notifier"
	"releasebot/internal/observability/httpserver"
	"releasebot/internal/storage"
	telegram "releasebot/internal/transport/telegram/adapter"
	"releasebot/internal/transport/telegram/router"
	"releasebot/internal/watcher"
	logx "releasebot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapAdapter(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapRouter(cfg *config.Config) (router.Config, error) {
	timeout, err := config.ParseDurationField("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Owners:         cfg.Telegram.OwnerUserIDs,
		Workers:        cfg.Telegram.Workers,
		CommandTimeout: timeout,
		BotName:        strings.TrimSpace(cfg.Telegram.BotName),
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		switch driver {
		case "sqlite", "sqlite3":
			path = "./releasebot.db"
		case "file":
			path = "./data"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		KeyPrefix:   sc.KeyPrefix,
		BusyTimeout: busy,
	}, nil
}

func mapCatalog(cfg *config.Config) (catalog.Config, error) {
	c := cfg.Catalog
	timeout, err := config.ParseDurationField("catalog.timeout", c.Timeout)
	if err != nil {
		return catalog.Config{}, err
	}
	delay, err := config.ParseDurationField("catalog.retry_delay", c.RetryDelay)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		BaseURL:     c.BaseURL,
		Country:     c.Country,
		SearchLimit: c.SearchLimit,
		Timeout:     timeout,
		Attempts:    c.Attempts,
		RetryDelay:  delay,
	}, nil
}

// mapWatcher leaves omitted fields to the watcher's own defaults. An explicit
// "0s" lookup or send delay turns that pause off.
func mapWatcher(cfg *config.Config) (watcher.Config, error) {
	w := cfg.Watcher
	if err := watcher.ValidateSchedule(strings.TrimSpace(w.RefillSchedule)); err != nil {
		return watcher.Config{}, err
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	delay := func(path, raw string) time.Duration {
		d := dur(path, raw)
		if d == 0 && strings.TrimSpace(raw) != "" {
			return watcher.NoDelay
		}
		return d
	}
	out := watcher.Config{
		RefillSchedule: strings.TrimSpace(w.RefillSchedule),
		DrainInterval:  dur("watcher.drain_interval", w.DrainInterval),
		LookupDelay:    delay("watcher.lookup_delay", w.LookupDelay),
		SendDelay:      delay("watcher.send_delay", w.SendDelay),
		RunTimeout:     dur("watcher.run_timeout", w.RunTimeout),
	}
	if err := errors.Join(errs...); err != nil {
		return watcher.Config{}, err
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.EffectiveNotifier()
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.IsEnabled(),
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   timeout,
		HistorySize:   n.HistorySize,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// checkConfig runs every mapping so a reload is rejected before commit when
// any section would fail to apply.
func checkConfig(cfg *config.Config) error {
	_, e1 := mapAdapter(cfg)
	_, e2 := mapRouter(cfg)
	_, e3 := mapStorage(cfg)
	_, e4 := mapCatalog(cfg)
	_, e5 := mapWatcher(cfg)
	_, e6 := mapNotifier(cfg)
	_, e7 := mapHTTP(cfg)
	return errors.Join(e1, e2, e3, e4, e5, e6, e7)
}
