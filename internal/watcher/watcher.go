// Package watcher polls the catalog for new versions of subscribed items and
// notifies their recipients.
//
// Two timers share one queue. The refill timer (cron schedule, plus one run
// at start) loads every subscription into the queue when it is empty. The
// drain timer pops one item per tick and runs the check pipeline on it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"releasebot/internal/eventbus"
	"releasebot/internal/message"
	"releasebot/internal/runtime/supervisor"
	"releasebot/internal/storage"
	logx "releasebot/pkg/logx"
)

type Watcher struct {
	store   Store
	catalog Catalog
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sleep   func(ctx context.Context, d time.Duration) error

	notifier atomic.Pointer[notifierRef]

	qmu   sync.Mutex
	queue []storage.Subscription

	refilling atomic.Bool
	draining  atomic.Bool

	lifeMu  sync.Mutex
	running bool
	sup     *supervisor.Supervisor
	sched   *cron.Cron

	statMu          sync.Mutex
	lastRefill      time.Time
	lastRefillCount int
	lastRefillErr   string

	processed atomic.Uint64
	notified  atomic.Uint64
	deleted   atomic.Uint64
}

type notifierRef struct{ n Notifier }

type Option func(*Watcher)

func WithBus(b eventbus.Bus) Option {
	return func(w *Watcher) {
		if b != nil {
			w.bus = b
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(w *Watcher) { w.SetNotifier(n) }
}

// WithSleep replaces the pacing sleep. Tests use it to observe delays
// without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

func New(store Store, cat Catalog, cfg Config, log logx.Logger, opts ...Option) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		store:   store,
		catalog: cat,
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "watcher")),
		bus:     eventbus.Nop(),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	return w
}

// ValidateSchedule reports whether spec is a usable refill schedule.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("refill schedule %q: %w", spec, err)
	}
	return nil
}

// SetNotifier binds (or with nil, clears) the outbound notifier.
func (w *Watcher) SetNotifier(n Notifier) {
	if n == nil {
		w.notifier.Store(nil)
		return
	}
	w.notifier.Store(&notifierRef{n: n})
}

func (w *Watcher) currentNotifier() Notifier {
	if ref := w.notifier.Load(); ref != nil {
		return ref.n
	}
	return nil
}

// Start arms the refill schedule (with one immediate refill) and the drain
// ticker. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.running {
		return nil
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(w.log))
	cl := cronLogger{log: w.log}
	sched := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := sched.AddFunc(w.cfg.RefillSchedule, func() { w.refillTick(sup.Context()) }); err != nil {
		sup.Cancel()
		return fmt.Errorf("refill schedule %q: %w", w.cfg.RefillSchedule, err)
	}

	sup.Go0("watcher.refill.initial", w.refillTick)
	sup.GoRestart0("watcher.drain", w.drainLoop, supervisor.WithPublishFirstError(true))
	sched.Start()

	w.sup = sup
	w.sched = sched
	w.running = true
	w.log.Info("watcher started",
		logx.String("refill", w.cfg.RefillSchedule),
		logx.Duration("drain", w.cfg.DrainInterval),
		logx.Bool("notifier", w.currentNotifier() != nil),
	)
	return nil
}

// Stop halts both timers and waits for an in-flight pipeline until ctx ends.
// The queue is kept; it is replaced by the next refill after a restart.
func (w *Watcher) Stop(ctx context.Context) error {
	w.lifeMu.Lock()
	if !w.running {
		w.lifeMu.Unlock()
		return nil
	}
	sup, sched := w.sup, w.sched
	w.running = false
	w.sup, w.sched = nil, nil
	w.lifeMu.Unlock()

	cronDone := sched.Stop()
	err := sup.Stop(ctx)
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	w.log.Info("watcher stopped", logx.Int("queued", w.queueLen()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) refillTick(ctx context.Context) {
	res, err := w.Refill(ctx)
	switch {
	case err != nil:
		w.log.Warn("refill failed", logx.Err(err))
	case res.Skipped:
		w.log.Debug("refill skipped", logx.String("reason", res.Reason))
	}
}

func (w *Watcher) drainLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Drain(ctx)
		}
	}
}

// Refill replaces the queue with every stored subscription. It does nothing
// while the queue still holds items or another refill is running.
func (w *Watcher) Refill(ctx context.Context) (RefillResult, error) {
	if !w.refilling.CompareAndSwap(false, true) {
		return RefillResult{Skipped: true, Reason: "in_flight"}, nil
	}
	defer w.refilling.Store(false)

	if n := w.queueLen(); n > 0 {
		return RefillResult{Skipped: true, Reason: "queue_not_empty", Count: n}, nil
	}

	subs, err := w.store.ListAll(ctx)
	w.statMu.Lock()
	w.lastRefill = time.Now()
	if err != nil {
		w.lastRefillErr = err.Error()
		w.statMu.Unlock()
		return RefillResult{}, fmt.Errorf("list subscriptions: %w", err)
	}
	w.lastRefillErr = ""
	w.lastRefillCount = len(subs)
	w.statMu.Unlock()

	w.qmu.Lock()
	w.queue = subs
	w.qmu.Unlock()

	w.log.Info("queue refilled", logx.Int("count", len(subs)))
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeRefill, Data: RefillEvent{Count: len(subs)}})
	return RefillResult{Count: len(subs)}, nil
}

// Drain pops the front of the queue and checks it. ok is false when the
// queue was empty.
func (w *Watcher) Drain(ctx context.Context) (Outcome, bool) {
	sub, ok := w.pop()
	if !ok {
		return "", false
	}
	w.draining.Store(true)
	defer w.draining.Store(false)

	// A started pipeline runs to completion even when shutdown begins.
	runCtx := context.WithoutCancel(ctx)
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, w.cfg.RunTimeout)
		defer cancel()
	}

	rep, err := w.Check(runCtx, sub)
	fields := []logx.Field{
		logx.String("item", rep.ItemIdentifier),
		logx.String("outcome", string(rep.Outcome)),
		logx.Duration("took", rep.Took),
	}
	if rep.Version != "" {
		fields = append(fields, logx.String("version", rep.Version))
	}
	if err != nil {
		w.log.Warn("check failed", append(fields, logx.Err(err))...)
	} else {
		w.log.Debug("check done", fields...)
	}
	return rep.Outcome, true
}

func (w *Watcher) pop() (storage.Subscription, bool) {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	if len(w.queue) == 0 {
		return storage.Subscription{}, false
	}
	sub := w.queue[0]
	w.queue[0] = storage.Subscription{}
	w.queue = w.queue[1:]
	if len(w.queue) == 0 {
		w.queue = nil
	}
	return sub, true
}

func (w *Watcher) queueLen() int {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	return len(w.queue)
}

// Check runs the pipeline for one subscription:
//
//  1. no recipients: delete, stop
//  2. pause LookupDelay
//  3. look the item up; no entry: delete, stop; lookup error or an entry
//     without a version: defer
//  4. version already recorded: stop
//  5. record the version (and refreshed title/URL)
//  6. notify every recipient in ascending order, SendDelay apart
func (w *Watcher) Check(ctx context.Context, sub storage.Subscription) (Report, error) {
	start := time.Now()
	rep := Report{ItemIdentifier: sub.ItemIdentifier}
	defer func() {
		rep.Took = time.Since(start)
		w.processed.Add(1)
	}()

	if len(sub.Recipients) == 0 {
		return w.remove(ctx, &rep, sub, OrphanDeleted)
	}

	if err := w.pause(ctx, w.cfg.LookupDelay); err != nil {
		rep.Outcome = Deferred
		return rep, err
	}

	entries, err := w.catalog.LookupByIdentifier(ctx, sub.ItemIdentifier)
	if err != nil {
		rep.Outcome = Deferred
		return rep, fmt.Errorf("lookup %s: %w", sub.ItemIdentifier, err)
	}
	if len(entries) == 0 {
		retired := sub.Clone()
		retired.Recipients = nil
		return w.remove(ctx, &rep, retired, RetiredDeleted)
	}
	entry := entries[0]
	rep.Version = entry.Version
	if entry.Version == "" {
		rep.Outcome = Deferred
		w.log.Warn("catalog entry has no version", logx.String("item", sub.ItemIdentifier))
		return rep, nil
	}

	if sub.HasVersion(entry.Version) {
		rep.Outcome = Unchanged
		return rep, nil
	}

	next := sub.Clone()
	if entry.Title != "" && entry.Title != next.Title {
		next.Title = entry.Title
	}
	if entry.DetailURL != "" && entry.DetailURL != next.DetailURL {
		next.DetailURL = entry.DetailURL
	}
	next.AppendVersion(entry.Version)
	saved, err := w.store.Update(ctx, next)
	if err != nil {
		rep.Outcome = UpdateFailed
		return rep, fmt.Errorf("record version %s of %s: %w", entry.Version, sub.ItemIdentifier, err)
	}

	rep.Outcome = Notified
	text := message.Release(entry, saved)
	rep.Sent, rep.Failed, err = w.fanOut(ctx, saved.Recipients, text)
	w.notified.Add(uint64(rep.Sent))
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeRelease, Data: ReleaseEvent{
		ItemIdentifier: saved.ItemIdentifier,
		Version:        entry.Version,
		Sent:           rep.Sent,
		Failed:         rep.Failed,
	}})
	w.log.Info("new version",
		logx.String("item", saved.ItemIdentifier),
		logx.String("version", entry.Version),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
	)
	return rep, err
}

func (w *Watcher) remove(ctx context.Context, rep *Report, sub storage.Subscription, why Outcome) (Report, error) {
	if err := w.store.Delete(ctx, sub); err != nil {
		rep.Outcome = DeleteFailed
		return *rep, fmt.Errorf("delete %s: %w", sub.ItemIdentifier, err)
	}
	rep.Outcome = why
	w.deleted.Add(1)
	w.log.Info("subscription removed", logx.String("item", sub.ItemIdentifier), logx.String("reason", string(why)))
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeDeleted, Data: DeletedEvent{ItemIdentifier: sub.ItemIdentifier, Reason: why}})
	return *rep, nil
}

// fanOut sends text to each recipient in order. One failed recipient never
// stops the others.
func (w *Watcher) fanOut(ctx context.Context, recipients []int64, text string) (sent, failed int, err error) {
	n := w.currentNotifier()
	if n == nil {
		w.log.Warn("release not delivered, notifier not bound", logx.Int("recipients", len(recipients)))
		return 0, len(recipients), ErrNoNotifier
	}
	var errs []error
	for i, r := range recipients {
		if i > 0 {
			if serr := w.pause(ctx, w.cfg.SendDelay); serr != nil {
				failed += len(recipients) - i
				errs = append(errs, serr)
				break
			}
		}
		if serr := n.Send(ctx, r, text); serr != nil {
			failed++
			errs = append(errs, fmt.Errorf("recipient %d: %w", r, serr))
			w.log.Warn("notification failed", logx.Int64("recipient", r), logx.Err(serr))
			continue
		}
		sent++
	}
	return sent, failed, errors.Join(errs...)
}

func (w *Watcher) Snapshot() Snapshot {
	w.lifeMu.Lock()
	running := w.running
	w.lifeMu.Unlock()

	w.statMu.Lock()
	snap := Snapshot{
		Running:         running,
		LastRefill:      w.lastRefill,
		LastRefillCount: w.lastRefillCount,
		LastRefillErr:   w.lastRefillErr,
	}
	w.statMu.Unlock()

	snap.QueueLen = w.queueLen()
	snap.Processed = w.processed.Load()
	snap.Notified = w.notified.Load()
	snap.Deleted = w.deleted.Load()
	snap.NotifierBound = w.currentNotifier() != nil
	switch {
	case w.refilling.Load():
		snap.State = StateRefillInFlight
	case w.draining.Load():
		snap.State = StateDraining
	default:
		snap.State = StateIdle
	}
	return snap
}

// pause sleeps for d; a negative d only checks ctx.
func (w *Watcher) pause(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return ctx.Err()
	}
	return w.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
