// Package app wires the release watcher, the Telegram transport and the
// supporting services, and owns their start/stop ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"releasebot/internal/catalog"
	"releasebot/internal/config"
	"releasebot/internal/eventbus"
	"releasebot/internal/notifier"
	"releasebot/internal/observability/httpserver"
	"releasebot/internal/runtime/supervisor"
	"releasebot/internal/storage"
	"releasebot/internal/subscriptions"
	kit "releasebot/internal/transport"
	telegram "releasebot/internal/transport/telegram/adapter"
	"releasebot/internal/transport/telegram/router"
	"releasebot/internal/watcher"
	logx "releasebot/pkg/logx"
)

// AdapterFactory builds the chat transport. The default dials Telegram.
type AdapterFactory func(cfg telegram.Config, log logx.Logger) (kit.Adapter, error)

func telegramFactory(cfg telegram.Config, log logx.Logger) (kit.Adapter, error) {
	return telegram.New(cfg, log)
}

type Option func(*options)

type options struct {
	adapter AdapterFactory
	getenv  func(string) string
}

func WithAdapterFactory(f AdapterFactory) Option {
	return func(o *options) {
		if f != nil {
			o.adapter = f
		}
	}
}

// WithEnv replaces the environment lookup used for config overrides.
func WithEnv(getenv func(string) string) Option {
	return func(o *options) {
		if getenv != nil {
			o.getenv = getenv
		}
	}
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	catalog *catalog.Client
	watcher *watcher.Watcher
	notif   *notifier.Service
	subs    *subscriptions.Service
	router  *router.Router
	http    *httpserver.Server

	updates chan kit.Update
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{adapter: telegramFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.getenv != nil {
		cfgm.SetEnv(o.getenv)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	// mapping errors were rejected by checkConfig
	adCfg, _ := mapAdapter(cfg)
	rtCfg, _ := mapRouter(cfg)
	stCfg, _ := mapStorage(cfg)
	catCfg, _ := mapCatalog(cfg)
	wCfg, _ := mapWatcher(cfg)
	nCfg, _ := mapNotifier(cfg)
	hCfg, _ := mapHTTP(cfg)

	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", stCfg.Driver))

	ad, err := o.adapter(adCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bus := eventbus.New()
	cat := catalog.New(catCfg, log.With(logx.String("comp", "catalog")))
	w := watcher.New(store, cat, wCfg, log, watcher.WithBus(bus))
	notif := notifier.New(nCfg, ad, log, bus)
	subs := subscriptions.New(store, cat, log)
	rt := router.New(ad, rtCfg, log)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		catalog: cat,
		watcher: w,
		notif:   notif,
		subs:    subs,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}
	a.http = httpserver.New(hCfg, a.Status, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status is served on GET /status.
func (a *App) Status() any {
	st := map[string]any{
		"watcher":  a.watcher.Snapshot(),
		"notifier": a.notif.Stats(),
		"log_drop": a.logs.Dropped(),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st["supervisor"] = snap
		st["error"] = snap.FirstError
	}
	return st
}

func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	return checkConfig(cfg)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// The watcher runs before the transport is up; releases found meanwhile
	// are recorded and the fan-out waits for SetNotifier below.
	if err := a.watcher.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.logs.SetSender(a.adapter)
	a.watcher.SetNotifier(a.notif)

	h := &router.Handlers{Subs: a.subs, Watcher: a.watcher, Notifier: a.notif}
	a.router.SetCommands(h.Commands(), a.sup)
	a.router.SetCallbacks(h.Callbacks())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("watcher", 3*time.Second, a.watcher.Stop)
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	a.sup.Cancel()
	step("router", 3*time.Second, func(c context.Context) error {
		if sup := a.router.Supervisor(); sup != nil {
			return sup.Wait(c)
		}
		return nil
	})
	step("notifier", time.Second, func(c context.Context) error {
		a.watcher.SetNotifier(nil)
		a.notif.SetAdapter(nil)
		return nil
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
		return stepCtx.Err()
	}
}
