package storage

import (
	"context"
	"sync"
)

// index is the in-memory record set shared by the memory and file drivers.
// Callers hold the owning store's lock.
type index struct {
	byID   map[string]Subscription
	byItem map[string]string
}

func newIndex() *index {
	return &index{byID: map[string]Subscription{}, byItem: map[string]string{}}
}

func (ix *index) list() []Subscription {
	out := make([]Subscription, 0, len(ix.byID))
	for _, s := range ix.byID {
		out = append(out, s.Clone())
	}
	sortByItem(out)
	return out
}

func (ix *index) find(itemID string) (Subscription, bool) {
	id, ok := ix.byItem[itemID]
	if !ok {
		return Subscription{}, false
	}
	s, ok := ix.byID[id]
	if !ok {
		return Subscription{}, false
	}
	return s.Clone(), true
}

func (ix *index) byRecipient(r int64) []Subscription {
	out := []Subscription{}
	for _, s := range ix.byID {
		if s.HasRecipient(r) {
			out = append(out, s.Clone())
		}
	}
	sortByItem(out)
	return out
}

func (ix *index) insert(s Subscription) (Subscription, error) {
	next, err := prepareInsert(s)
	if err != nil {
		return Subscription{}, err
	}
	if _, exists := ix.byItem[next.ItemIdentifier]; exists {
		return Subscription{}, ErrDuplicate
	}
	if _, exists := ix.byID[next.ID]; exists {
		return Subscription{}, ErrDuplicate
	}
	ix.put(next)
	return next.Clone(), nil
}

func (ix *index) update(s Subscription) (Subscription, error) {
	expected := s.Revision
	next, err := prepareUpdate(s)
	if err != nil {
		return Subscription{}, err
	}
	cur, ok := ix.byID[next.ID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if cur.Revision != expected {
		return Subscription{}, ErrConflict
	}
	// item identifier is immutable
	next.ItemIdentifier = cur.ItemIdentifier
	ix.put(next)
	return next.Clone(), nil
}

// remove reports whether a record was deleted.
func (ix *index) remove(s Subscription) (bool, error) {
	if err := checkDelete(s); err != nil {
		return false, err
	}
	cur, ok := ix.byID[s.ID]
	if !ok {
		return false, nil
	}
	if cur.Revision != s.Revision {
		return false, ErrConflict
	}
	ix.drop(s.ID)
	return true, nil
}

func (ix *index) put(s Subscription) {
	if old, ok := ix.byID[s.ID]; ok && old.ItemIdentifier != s.ItemIdentifier {
		delete(ix.byItem, old.ItemIdentifier)
	}
	ix.byID[s.ID] = s
	ix.byItem[s.ItemIdentifier] = s.ID
}

func (ix *index) drop(id string) {
	if old, ok := ix.byID[id]; ok {
		delete(ix.byItem, old.ItemIdentifier)
		delete(ix.byID, id)
	}
}

// memStore keeps subscriptions in process memory.
type memStore struct {
	mu     sync.RWMutex
	ix     *index
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{ix: newIndex()}
}

func (s *memStore) ListAll(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ix.list(), nil
}

func (s *memStore) FindByIdentifier(ctx context.Context, itemID string) (Subscription, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Subscription{}, false, ErrClosed
	}
	sub, ok := s.ix.find(itemID)
	return sub, ok, nil
}

func (s *memStore) ListByRecipient(ctx context.Context, recipient int64) ([]Subscription, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ix.byRecipient(recipient), nil
}

func (s *memStore) Insert(ctx context.Context, sub Subscription) (Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	return s.ix.insert(sub)
}

func (s *memStore) Update(ctx context.Context, sub Subscription) (Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}, ErrClosed
	}
	return s.ix.update(sub)
}

func (s *memStore) Delete(ctx context.Context, sub Subscription) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.ix.remove(sub)
	return err
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
