package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxVersionHistory is the number of most recent versions kept per subscription.
const MaxVersionHistory = 5

var (
	ErrNotFound           = errors.New("subscription not found")
	ErrConflict           = errors.New("subscription revision conflict")
	ErrDuplicate          = errors.New("subscription already exists for item")
	ErrInvalid            = errors.New("invalid subscription")
	ErrRecipientsNotEmpty = errors.New("subscription still has recipients")
	ErrClosed             = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, lost on restart
//   - "file": snapshot + journal files under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "redis": Redis at DSN (redis://...)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	KeyPrefix   string        // redis only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription is one tracked catalog item and the chats that follow it.
//
// JSON field names match the documents written by earlier releases so
// exported data can be imported into any driver.
type Subscription struct {
	ID             string   `json:"_id"`
	Revision       string   `json:"_rev,omitempty"`
	ItemIdentifier string   `json:"bundle_id"`
	Title          string   `json:"title"`
	DetailURL      string   `json:"url"`
	VersionHistory []string `json:"version"`
	Recipients     []int64  `json:"chats"`
}

// UnmarshalJSON accepts a scalar "version" from older documents.
func (s *Subscription) UnmarshalJSON(b []byte) error {
	type plain Subscription
	var raw struct {
		plain
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Subscription(raw.plain)
	out.VersionHistory = nil

	v := strings.TrimSpace(string(raw.Version))
	switch {
	case v == "" || v == "null":
	case strings.HasPrefix(v, "["):
		if err := json.Unmarshal(raw.Version, &out.VersionHistory); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	default:
		var one string
		if err := json.Unmarshal(raw.Version, &one); err != nil {
			return fmt.Errorf("version: %w", err)
		}
		if one != "" {
			out.VersionHistory = []string{one}
		}
	}
	*s = out
	return nil
}

func (s Subscription) Clone() Subscription {
	cp := s
	cp.VersionHistory = append([]string(nil), s.VersionHistory...)
	cp.Recipients = append([]int64(nil), s.Recipients...)
	return cp
}

func (s Subscription) HasVersion(v string) bool {
	for _, have := range s.VersionHistory {
		if have == v {
			return true
		}
	}
	return false
}

// LatestVersion returns the most recently recorded version ("" if none).
func (s Subscription) LatestVersion() string {
	if len(s.VersionHistory) == 0 {
		return ""
	}
	return s.VersionHistory[len(s.VersionHistory)-1]
}

// AppendVersion records v as the newest version, dropping the oldest entries
// beyond MaxVersionHistory.
func (s *Subscription) AppendVersion(v string) {
	s.VersionHistory = append(s.VersionHistory, v)
	s.VersionHistory = trimHistory(s.VersionHistory)
}

func (s Subscription) HasRecipient(id int64) bool {
	i := sort.Search(len(s.Recipients), func(i int) bool { return s.Recipients[i] >= id })
	return i < len(s.Recipients) && s.Recipients[i] == id
}

// AddRecipient inserts id keeping Recipients sorted. It reports whether the set changed.
func (s *Subscription) AddRecipient(id int64) bool {
	i := sort.Search(len(s.Recipients), func(i int) bool { return s.Recipients[i] >= id })
	if i < len(s.Recipients) && s.Recipients[i] == id {
		return false
	}
	s.Recipients = append(s.Recipients, 0)
	copy(s.Recipients[i+1:], s.Recipients[i:])
	s.Recipients[i] = id
	return true
}

// RemoveRecipient deletes id. It reports whether the set changed.
func (s *Subscription) RemoveRecipient(id int64) bool {
	i := sort.Search(len(s.Recipients), func(i int) bool { return s.Recipients[i] >= id })
	if i >= len(s.Recipients) || s.Recipients[i] != id {
		return false
	}
	s.Recipients = append(s.Recipients[:i], s.Recipients[i+1:]...)
	return true
}

// normalize trims fields, sorts and dedups recipients, and bounds history.
func (s *Subscription) normalize() {
	s.ItemIdentifier = strings.TrimSpace(s.ItemIdentifier)
	s.Title = strings.TrimSpace(s.Title)
	s.DetailURL = strings.TrimSpace(s.DetailURL)

	if len(s.Recipients) > 1 {
		rs := append([]int64(nil), s.Recipients...)
		sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
		out := rs[:1]
		for _, r := range rs[1:] {
			if r != out[len(out)-1] {
				out = append(out, r)
			}
		}
		s.Recipients = out
	}
	s.VersionHistory = trimHistory(s.VersionHistory)
}

func trimHistory(h []string) []string {
	if len(h) <= MaxVersionHistory {
		return h
	}
	return append([]string(nil), h[len(h)-MaxVersionHistory:]...)
}

func sortByItem(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ItemIdentifier < subs[j].ItemIdentifier })
}
