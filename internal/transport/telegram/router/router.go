// Package router dispatches chat commands to handlers on a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"releasebot/internal/runtime/supervisor"
	kit "releasebot/internal/transport"
	logx "releasebot/pkg/logx"
	"releasebot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Access      Access
	// Hidden commands work but are left out of the client menu.
	Hidden  bool
	Timeout time.Duration // overrides Config.CommandTimeout
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is everything after the command word, spacing preserved.
	Text   string
	ReqID  string
	Logger logx.Logger

	Adapter kit.Adapter
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Reply sends an HTML message to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ReplyUI sends text with an optional inline keyboard.
func (r *Request) ReplyUI(ctx context.Context, m tgui.Message) error {
	_, err := m.Send(ctx, r.Adapter, r.Chat)
	return err
}

type Config struct {
	Owners         []int64
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	// BotName drops commands addressed to other bots ("/list@other_bot").
	BotName string
	// UnknownReply is sent for unregistered commands; empty stays silent.
	UnknownReply string
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	commands  map[string]*Command
	ordered   []Command
	callbacks map[string]HandlerFunc
	owners    []int64

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(adapter kit.Adapter, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(2, runtime.NumCPU())
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	return &Router{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		commands:  map[string]*Command{},
		callbacks: map[string]HandlerFunc{},
		owners:    slices.Clone(cfg.Owners),
		jobs:      make(chan func(), cfg.QueueSize),
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during
// hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetCommands replaces the registry. When the adapter supports it the client
// menu is updated in the background under sup (or a plain goroutine when nil).
func (m *Router) SetCommands(cmds []Command, sup *supervisor.Supervisor) {
	reg := make(map[string]*Command, len(cmds))
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
		cp := c
		reg[name] = &cp
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := reg[a]; !exists {
					reg[a] = &cp
				}
			}
		}
	}

	m.mu.Lock()
	m.commands = reg
	m.ordered = kept
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := menuCommands(kept)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
	if sup != nil {
		sup.Go0("telegram.menu.update", run)
		return
	}
	go run(context.Background())
}

// SetCallbacks replaces the inline button handlers, keyed by "scope:action"
// of the callback data. The handler sees the payload as Args[0] and Text.
func (m *Router) SetCallbacks(cbs map[string]HandlerFunc) {
	reg := make(map[string]HandlerFunc, len(cbs))
	for k, h := range cbs {
		if h != nil {
			reg[k] = h
		}
	}
	m.mu.Lock()
	m.callbacks = reg
	m.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (m *Router) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.ordered)
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Supervisor returns the worker pool's supervisor (nil if not running).
func (m *Router) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// DispatchLoop routes updates until ctx is done or updates is closed, then
// lets queued jobs drain for up to 3s. It can run once per Router.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.cfg.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	// stop the client spinner first; the handler replies with a message
	_ = m.adapter.AnswerCallback(ctx, cb.ID, "")

	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	key := scope + ":" + action
	m.mu.RLock()
	h := m.callbacks[key]
	m.mu.RUnlock()
	if h == nil {
		m.log.Debug("unhandled callback", logx.String("data", key))
		return
	}

	rid := newReqID()
	var args []string
	if payload != "" {
		args = []string{payload}
	}
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: key,
		Args:    args,
		Text:    payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.String("callback", key),
		),
	}
	final := Chain(h, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(m.cfg.CommandTimeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0], m.cfg.BotName)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, found := m.commands[word]
	m.mu.RUnlock()
	if !found {
		if m.cfg.UnknownReply != "" {
			_, _ = m.adapter.SendText(ctx, chat, m.cfg.UnknownReply, &kit.SendOptions{ParseMode: "HTML"})
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		Text:    restOfLine(msg.Text),
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}
