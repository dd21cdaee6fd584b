package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"releasebot/internal/config"
	"releasebot/internal/message"
	"releasebot/internal/storage"
	kit "releasebot/internal/transport"
	telegram "releasebot/internal/transport/telegram/adapter"
	"releasebot/internal/watcher"
	logx "releasebot/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	out     chan<- kit.Update
	ch      chan sent
	stopped bool
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	select {
	case a.ch <- sent{chat: to.ChatID, text: text}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (a *fakeAdapter) push(text string, chat int64) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, FromID: chat, Text: text}}
}

func (a *fakeAdapter) expect(t *testing.T, match func(sent) bool) sent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-a.ch:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("expected message not sent")
			return sent{}
		}
	}
}

func writeConfig(t *testing.T, catalogURL string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "telegram": {"token": "test-token", "owner_user_ids": [1]},
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "catalog": {"base_url": %q, "attempts": 1, "timeout": "2s"},
  "watcher": {"refill_schedule": "@every 1h", "drain_interval": "50ms", "lookup_delay": "1ms", "send_delay": "1ms"},
  "notifier": {"enabled": true, "rate_per_sec": 50, "retry_max": 0, "retry_base": "10ms", "retry_max_delay": "10ms"},
  "http": {}
}`, catalogURL)
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newTestApp(t *testing.T, catalogURL string) (*App, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{ch: make(chan sent, 32)}
	a, err := New(writeConfig(t, catalogURL),
		WithEnv(func(string) string { return "" }),
		WithAdapterFactory(func(telegram.Config, logx.Logger) (kit.Adapter, error) { return ad, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, ad
}

func TestAppNotifiesSubscribersAndServesCommands(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/lookup" {
			_, _ = w.Write([]byte(`{"resultCount":0,"results":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"resultCount":1,"results":[{"trackName":"Example","bundleId":"com.example.app","trackViewUrl":"https://apps.example/1","version":"2.0"}]}`))
	}))
	defer srv.Close()

	a, ad := newTestApp(t, srv.URL)
	ctx := context.Background()
	if _, err := a.store.Insert(ctx, storage.Subscription{
		ItemIdentifier: "com.example.app",
		Title:          "Example",
		VersionHistory: []string{"1.0"},
		Recipients:     []int64{42},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := ad.expect(t, func(s sent) bool { return s.chat == 42 && strings.Contains(s.text, "Version 2.0") })
	if !strings.Contains(got.text, "com.example.app") {
		t.Fatalf("release message = %q", got.text)
	}

	ad.push("/list", 7)
	ad.expect(t, func(s sent) bool { return s.chat == 7 && s.text == message.NotSubscribed })

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ad.mu.Lock()
	stopped := ad.stopped
	ad.mu.Unlock()
	if !stopped {
		t.Fatalf("adapter not stopped")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.watcher.Snapshot().Running {
		t.Fatalf("watcher still running")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	body := `{"telegram":{"token":"t"},"storage":{"driver":"memory"},"watcher":{"refill_schedule":"every now and then"}}`
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := New(p,
		WithEnv(func(string) string { return "" }),
		WithAdapterFactory(func(telegram.Config, logx.Logger) (kit.Adapter, error) { return &fakeAdapter{}, nil }),
	)
	if err == nil || !strings.Contains(err.Error(), "refill schedule") {
		t.Fatalf("New = %v, want refill schedule error", err)
	}
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: " t ", CommandTimeout: "5s", OwnerUserIDs: []int64{3}},
		Storage:  config.StorageConfig{},
		Watcher:  config.WatcherConfig{DrainInterval: "3s"},
		HTTP:     config.HTTPConfig{Enabled: true, Addr: " 127.0.0.1:9000 "},
	}

	st, err := mapStorage(cfg)
	if err != nil || st.Driver != "sqlite" || st.Path != "./releasebot.db" || st.BusyTimeout != time.Second {
		t.Fatalf("mapStorage = %+v, %v", st, err)
	}
	rt, err := mapRouter(cfg)
	if err != nil || rt.CommandTimeout != 5*time.Second || len(rt.Owners) != 1 {
		t.Fatalf("mapRouter = %+v, %v", rt, err)
	}
	ad, err := mapAdapter(cfg)
	if err != nil || ad.PollTimeout != 10*time.Second {
		t.Fatalf("mapAdapter = %+v, %v", ad, err)
	}
	w, err := mapWatcher(cfg)
	if err != nil || w.DrainInterval != 3*time.Second || w.LookupDelay != 0 {
		t.Fatalf("mapWatcher = %+v, %v", w, err)
	}
	cfg.Watcher.LookupDelay, cfg.Watcher.SendDelay = "0s", "250ms"
	w, err = mapWatcher(cfg)
	if err != nil || w.LookupDelay != watcher.NoDelay || w.SendDelay != 250*time.Millisecond {
		t.Fatalf("mapWatcher with explicit delays = %+v, %v", w, err)
	}
	cfg.Watcher.LookupDelay, cfg.Watcher.SendDelay = "", ""
	n, err := mapNotifier(cfg)
	if err != nil || !n.Enabled || n.RetryBase != 500*time.Millisecond || n.RetryMaxDelay != 10*time.Second {
		t.Fatalf("mapNotifier = %+v, %v", n, err)
	}
	h, err := mapHTTP(cfg)
	if err != nil || h.Addr != "127.0.0.1:9000" || h.ReadTimeout != 10*time.Second {
		t.Fatalf("mapHTTP = %+v, %v", h, err)
	}
	if lc := mapLogging(cfg); lc.Telegram.Enabled {
		t.Fatalf("mapLogging enabled telegram sink")
	}

	cfg.Watcher.SendDelay = "later"
	cfg.HTTP.IdleTimeout = "-1s"
	err = checkConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "watcher.send_delay") || !strings.Contains(err.Error(), "http.idle_timeout") {
		t.Fatalf("checkConfig = %v", err)
	}
}

func TestStopReasonFromSignal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sig  os.Signal
		want StopReason
	}{
		{os.Interrupt, StopSIGINT},
		{syscall.SIGTERM, StopSIGTERM},
		{syscall.SIGHUP, StopUnknown},
	}
	for _, tt := range tests {
		if got := StopReasonFromSignal(tt.sig); got != tt.want {
			t.Fatalf("StopReasonFromSignal(%v) = %s, want %s", tt.sig, got, tt.want)
		}
	}
}
