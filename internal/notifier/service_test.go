package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"releasebot/internal/eventbus"
	kit "releasebot/internal/transport"
	logx "releasebot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls map[int64]int
	// failures returns the error for the n-th call (1-based) to a chat.
	failures func(chat int64, n int) error
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = map[int64]int{}
	}
	a.calls[to.ChatID]++
	n := a.calls[to.ChatID]
	a.mu.Unlock()
	if a.failures != nil {
		if err := a.failures(to.ChatID, n); err != nil {
			return kit.MessageRef{}, err
		}
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (a *fakeAdapter) count(chat int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[chat]
}

func newTestService(ad kit.Adapter, bus eventbus.Bus) *Service {
	s := New(Config{Enabled: true, RatePerSec: 1000, RetryMax: 2}, ad, logx.Nop(), bus)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: func(chat int64, n int) error {
		if n < 3 {
			return errors.New("502 bad gateway")
		}
		return nil
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "notifier.")
	defer unsub()
	s := newTestService(ad, bus)

	if err := s.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := ad.count(7); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	e := <-events
	if e.Type != eventbus.TypeNotifierSent {
		t.Fatalf("event = %s, want %s", e.Type, eventbus.TypeNotifierSent)
	}
	if ev := e.Data.(NotificationEvent); ev.ChatID != 7 || ev.Attempts != 3 {
		t.Fatalf("event data = %+v", ev)
	}
	if st := s.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendDoesNotRetryUnreachable(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: func(chat int64, n int) error {
		return fmt.Errorf("telegram: bot was blocked: %w", kit.ErrRecipientUnreachable)
	}}
	s := newTestService(ad, nil)

	err := s.Send(context.Background(), 9, "hello")
	if !errors.Is(err, kit.ErrRecipientUnreachable) {
		t.Fatalf("err = %v, want ErrRecipientUnreachable", err)
	}
	if n := ad.count(9); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
	h := s.History()
	if len(h) != 1 || h[0].Error == "" || h[0].Recipient != 9 {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: func(chat int64, n int) error { return errors.New("timeout") }}
	s := newTestService(ad, nil)

	if err := s.Send(context.Background(), 1, "x"); err == nil {
		t.Fatalf("expected error")
	}
	if n := ad.count(1); n != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + RetryMax)", n)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendDisabledOrDetached(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeAdapter{}, logx.Nop(), nil)
	if err := s.Send(context.Background(), 1, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s.Apply(Config{Enabled: true})
	s.SetAdapter(nil)
	if err := s.Send(context.Background(), 1, "x"); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("err = %v, want ErrNoAdapter", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, RatePerSec: 1000, HistorySize: 3}, &fakeAdapter{}, logx.Nop(), nil)
	for i := 0; i < 5; i++ {
		if err := s.Send(context.Background(), int64(i), "x"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	h := s.History()
	if len(h) != 3 || h[0].Recipient != 2 || h[2].Recipient != 4 {
		t.Fatalf("history = %+v", h)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := retryDelay(cfg, tt.attempt)
			if d < tt.min || d > tt.max {
				t.Fatalf("retryDelay(%d) = %v, want within [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}
