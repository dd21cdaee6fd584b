package watcher

import (
	"context"
	"errors"
	"time"

	"releasebot/internal/catalog"
	"releasebot/internal/storage"
)

// ErrNoNotifier is reported for an item whose release could not be fanned
// out because no notifier is bound yet.
var ErrNoNotifier = errors.New("watcher: notifier not bound")

type Store interface {
	ListAll(ctx context.Context) ([]storage.Subscription, error)
	Update(ctx context.Context, s storage.Subscription) (storage.Subscription, error)
	Delete(ctx context.Context, s storage.Subscription) error
}

type Catalog interface {
	LookupByIdentifier(ctx context.Context, itemID string) ([]catalog.Entry, error)
}

// Notifier delivers one message to one recipient.
type Notifier interface {
	Send(ctx context.Context, recipient int64, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipient int64, text string) error

func (f NotifierFunc) Send(ctx context.Context, recipient int64, text string) error {
	return f(ctx, recipient, text)
}

const (
	DefaultRefillSchedule = "@every 5m"
	DefaultDrainInterval  = 2 * time.Second
	DefaultLookupDelay    = 2 * time.Second
	DefaultSendDelay      = 2 * time.Second

	// NoDelay turns off LookupDelay or SendDelay pacing.
	NoDelay time.Duration = -1
)

type Config struct {
	// RefillSchedule is a cron spec ("@every 5m", "*/10 * * * *").
	RefillSchedule string
	DrainInterval  time.Duration
	// LookupDelay is the pause before each catalog lookup. Zero selects
	// DefaultLookupDelay; a negative value (NoDelay) skips the pause.
	LookupDelay time.Duration
	// SendDelay is the pause between two recipients of one release, with
	// the same zero and negative handling as LookupDelay.
	SendDelay time.Duration
	// RunTimeout bounds one pipeline run; 0 means no limit.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefillSchedule == "" {
		c.RefillSchedule = DefaultRefillSchedule
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.LookupDelay == 0 {
		c.LookupDelay = DefaultLookupDelay
	}
	if c.SendDelay == 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.RunTimeout < 0 {
		c.RunTimeout = 0
	}
	return c
}

type State string

const (
	StateIdle           State = "idle"
	StateRefillInFlight State = "refill_in_flight"
	StateDraining       State = "draining"
)

// Outcome is how one pipeline run ended.
type Outcome string

const (
	// OrphanDeleted: no recipients left; the subscription was removed.
	OrphanDeleted Outcome = "orphan_deleted"
	// RetiredDeleted: the catalog no longer knows the item.
	RetiredDeleted Outcome = "retired_deleted"
	// Unchanged: the catalog version is already recorded.
	Unchanged Outcome = "unchanged"
	// Deferred: the catalog could not be reached or listed no version;
	// retried next refill.
	Deferred Outcome = "deferred"
	// UpdateFailed: the store rejected the new version (e.g. stale revision).
	UpdateFailed Outcome = "update_failed"
	// Notified: a new version was recorded and fanned out.
	Notified Outcome = "notified"
	// DeleteFailed: a cleanup delete was rejected by the store.
	DeleteFailed Outcome = "delete_failed"
)

// Report describes one pipeline run.
type Report struct {
	ItemIdentifier string
	Outcome        Outcome
	Version        string
	Sent           int
	Failed         int
	Took           time.Duration
}

type RefillResult struct {
	Skipped bool
	// Reason is "queue_not_empty" or "in_flight" when Skipped.
	Reason string
	Count  int
}

type Snapshot struct {
	State           State     `json:"state"`
	Running         bool      `json:"running"`
	QueueLen        int       `json:"queue_len"`
	LastRefill      time.Time `json:"last_refill"`
	LastRefillCount int       `json:"last_refill_count"`
	LastRefillErr   string    `json:"last_refill_err,omitempty"`
	Processed       uint64    `json:"processed"`
	Notified        uint64    `json:"notified"`
	Deleted         uint64    `json:"deleted"`
	NotifierBound   bool      `json:"notifier_bound"`
}

// Event payloads published on the bus.
type (
	RefillEvent struct {
		Count int
	}
	ReleaseEvent struct {
		ItemIdentifier string
		Version        string
		Sent           int
		Failed         int
	}
	DeletedEvent struct {
		ItemIdentifier string
		Reason         Outcome
	}
)
