package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "releasebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.journal.jsonl (append-only journal of puts/deletes)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	ix *index

	snapshotPath string
	journal      *os.File

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string        `json:"op"` // "put" | "del"
	ID  string        `json:"id,omitempty"`
	Sub *Subscription `json:"sub,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	ix := newIndex()
	if err := loadSnapshot(snapPath, ix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, ix)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		ix:           ix,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       replayed,
		compactEvery: 200,
	}
	log.Debug("file store opened",
		logx.String("snapshot", snapPath),
		logx.Int("subscriptions", len(ix.byID)),
		logx.Int("journal_records", replayed),
	)
	return s, nil
}

func (s *fileStore) ListAll(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.ix.list(), nil
}

func (s *fileStore) FindByIdentifier(ctx context.Context, itemID string) (Subscription, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscription{}, false, ErrClosed
	}
	sub, ok := s.ix.find(strings.TrimSpace(itemID))
	return sub, ok, nil
}

func (s *fileStore) ListByRecipient(ctx context.Context, recipient int64) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.ix.byRecipient(recipient), nil
}

func (s *fileStore) Insert(ctx context.Context, sub Subscription) (Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscription{}, ErrClosed
	}
	out, err := s.ix.insert(sub)
	if err != nil {
		return Subscription{}, err
	}
	if err := s.appendLocked(journalRecord{Op: "put", Sub: &out}); err != nil {
		s.ix.drop(out.ID)
		return Subscription{}, err
	}
	return out, nil
}

func (s *fileStore) Update(ctx context.Context, sub Subscription) (Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Subscription{}, ErrClosed
	}
	prev, hadPrev := s.ix.byID[sub.ID]
	out, err := s.ix.update(sub)
	if err != nil {
		return Subscription{}, err
	}
	if err := s.appendLocked(journalRecord{Op: "put", Sub: &out}); err != nil {
		if hadPrev {
			s.ix.put(prev)
		}
		return Subscription{}, err
	}
	return out, nil
}

func (s *fileStore) Delete(ctx context.Context, sub Subscription) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	prev, hadPrev := s.ix.byID[sub.ID]
	removed, err := s.ix.remove(sub)
	if err != nil || !removed {
		return err
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: sub.ID}); err != nil {
		if hadPrev {
			s.ix.put(prev)
		}
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if err != nil {
		s.log.Warn("compact on close failed", logx.Err(err))
	}
	cerr := s.journal.Close()
	s.journal = nil
	if err != nil {
		return err
	}
	return cerr
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes >= s.compactEvery {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.ix.list()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, ix *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var subs []Subscription
	if err := json.NewDecoder(f).Decode(&subs); err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.ID == "" || sub.ItemIdentifier == "" {
			continue
		}
		sub.normalize()
		ix.put(sub)
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot and returns
// how many were applied. Torn trailing lines are skipped.
func replayJournal(path string, ix *index) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Sub == nil || r.Sub.ID == "" {
				continue
			}
			sub := *r.Sub
			sub.normalize()
			ix.put(sub)
		case "del":
			ix.drop(r.ID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
