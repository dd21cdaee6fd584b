package config

import (
	"slices"
	"strings"

	logx "releasebot/pkg/logx"
)

// Sections whose changes need a process restart to take effect.
var restartSections = map[string]bool{
	"storage":            true,
	"catalog":            true,
	"watcher":            true,
	"telegram.transport": true,
}

// ConfigChange summarizes a reload. Fields never include secrets.
type ConfigChange struct {
	Sections []string
	Fields   []logx.Field
}

// RestartRequired lists changed sections that cannot be applied live.
func (c ConfigChange) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c ConfigChange) Has(section string) bool { return slices.Contains(c.Sections, section) }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch ConfigChange
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}
	trim := strings.TrimSpace

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if trim(ot.Token) != trim(nt.Token) || trim(ot.PollTimeout) != trim(nt.PollTimeout) || trim(ot.APIURL) != trim(nt.APIURL) {
		mark("telegram.transport",
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", trim(ot.Token) != trim(nt.Token)),
		)
	}
	if !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.BotName != nt.BotName ||
		ot.Workers != nt.Workers || trim(ot.CommandTimeout) != trim(nt.CommandTimeout) {
		mark("telegram.commands",
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.workers", nt.Workers),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		mark("storage",
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.dsn_changed", ost.DSN != nst.DSN),
		)
	}

	if oldCfg.Catalog != newCfg.Catalog {
		mark("catalog", logx.String("catalog.country", newCfg.Catalog.Country))
	}
	if oldCfg.Watcher != newCfg.Watcher {
		mark("watcher", logx.String("watcher.refill_schedule", newCfg.Watcher.RefillSchedule))
	}

	on, nn := oldCfg.EffectiveNotifier(), newCfg.EffectiveNotifier()
	if !sameNotifier(on, nn) {
		mark("notifier",
			logx.Bool("notifier.enabled", nn.IsEnabled()),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		mark("http",
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.pprof", nh.Pprof),
			logx.Bool("http.token_set", trim(nh.Token) != ""),
		)
	}

	slices.Sort(ch.Sections)
	return ch
}

// sameNotifier compares by value; Enabled is a pointer.
func sameNotifier(a, b NotifierConfig) bool {
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	return a == b
}
