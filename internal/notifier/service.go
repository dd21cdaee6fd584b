package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"releasebot/internal/eventbus"
	kit "releasebot/internal/transport"
	logx "releasebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrNoAdapter = errors.New("notifier has no transport")
)

// Service sends text to chats through a transport adapter. It is safe for
// concurrent use; all callers share one rate limiter.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	adapter kit.Adapter

	log logx.Logger
	bus eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error

	hmu     sync.Mutex
	history []HistoryItem

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		sleep:   sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration; in-flight sends keep the old one.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	// burst = rate so a short release fan-out is not throttled artificially
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// SetAdapter rebinds the transport. nil detaches it.
func (s *Service) SetAdapter(a kit.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

// Send delivers text to recipient, retrying transient failures.
func (s *Service) Send(ctx context.Context, recipient int64, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if ad == nil {
		return ErrNoAdapter
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := ad.SendText(callCtx, kit.ChatTarget{ChatID: recipient}, text, nil)
		cancel()
		if err == nil {
			s.record(recipient, attempt, text, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.Int64("chat_id", recipient), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if errors.Is(err, kit.ErrRecipientUnreachable) || attempt >= maxAttempts {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			lastErr = err
			break
		}
	}
	s.record(recipient, attempts, text, lastErr)
	return lastErr
}

func (s *Service) record(recipient int64, attempts int, text string, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Recipient: recipient, Attempts: attempts, Text: text}
	ev := NotificationEvent{ChatID: recipient, Attempts: attempts, At: now}
	typ := eventbus.TypeNotifierSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		typ = eventbus.TypeNotifierFailed
		s.failed.Add(1)
	} else {
		s.sent.Add(1)
	}

	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-limit:]...)
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load()}
}

// retryDelay is the pause after attempt (1-based): base*2^(attempt-1) with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
