package app

import (
	"context"
	"strings"

	"releasebot/internal/config"
	logx "releasebot/pkg/logx"
)

// applyConfig pushes the live-reloadable sections of next into the running
// components. Other sections are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if ch.Has("notifier") {
		if ncfg, err := mapNotifier(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	if ch.Has("telegram.commands") {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if ch.Has("http") {
		if hcfg, err := mapHTTP(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hcfg)
		}
	}

	if restart := ch.RestartRequired(); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", changed))
}
