package notifier

import "time"

// Config controls delivery pacing and retries.
type Config struct {
	Enabled       bool
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Recipient int64     `json:"recipient"`
	Attempts  int       `json:"attempts"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
}

// NotificationEvent is the bus payload for notifier.sent / notifier.failed.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}
