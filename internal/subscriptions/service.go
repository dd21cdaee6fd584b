// Package subscriptions implements the chat-facing subscribe, unsubscribe
// and list operations.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"releasebot/internal/catalog"
	"releasebot/internal/storage"
	logx "releasebot/pkg/logx"
)

var (
	// ErrUnknownItem means the catalog has no entry for the identifier.
	ErrUnknownItem = errors.New("item not found in catalog")
	ErrEmptyInput  = errors.New("identifier is empty")
)

type Store interface {
	FindByIdentifier(ctx context.Context, itemID string) (storage.Subscription, bool, error)
	ListByRecipient(ctx context.Context, recipient int64) ([]storage.Subscription, error)
	Insert(ctx context.Context, s storage.Subscription) (storage.Subscription, error)
	Update(ctx context.Context, s storage.Subscription) (storage.Subscription, error)
	Delete(ctx context.Context, s storage.Subscription) error
}

type Catalog interface {
	LookupByIdentifier(ctx context.Context, itemID string) ([]catalog.Entry, error)
	SearchByTitle(ctx context.Context, text string) ([]catalog.Entry, error)
}

// attempts covers the initial write plus one retry after a revision conflict.
const attempts = 2

type Service struct {
	store   Store
	catalog Catalog
	log     logx.Logger
}

func New(store Store, cat Catalog, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, catalog: cat, log: log.With(logx.String("comp", "subscriptions"))}
}

type SubscribeResult struct {
	Entry        catalog.Entry
	Subscription storage.Subscription
	// Already is true when the recipient was subscribed before the call.
	Already bool
}

// Subscribe adds recipient to the item's subscription, creating it when
// needed. A new subscription is seeded with the current catalog version so
// the next check does not announce it.
func (s *Service) Subscribe(ctx context.Context, recipient int64, itemID string) (SubscribeResult, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return SubscribeResult{}, ErrEmptyInput
	}
	entries, err := s.catalog.LookupByIdentifier(ctx, itemID)
	if err != nil {
		return SubscribeResult{}, fmt.Errorf("lookup %s: %w", itemID, err)
	}
	if len(entries) == 0 {
		return SubscribeResult{}, ErrUnknownItem
	}
	entry := entries[0]
	res := SubscribeResult{Entry: entry}

	for try := 1; ; try++ {
		cur, found, err := s.store.FindByIdentifier(ctx, entry.ItemIdentifier)
		if err != nil {
			return res, err
		}
		if found {
			if cur.HasRecipient(recipient) {
				res.Subscription, res.Already = cur, true
				return res, nil
			}
			cur.AddRecipient(recipient)
			res.Subscription, err = s.store.Update(ctx, cur)
		} else {
			seed := storage.Subscription{
				ItemIdentifier: entry.ItemIdentifier,
				Title:          entry.Title,
				DetailURL:      entry.DetailURL,
				Recipients:     []int64{recipient},
			}
			if entry.Version != "" {
				seed.VersionHistory = []string{entry.Version}
			}
			res.Subscription, err = s.store.Insert(ctx, seed)
		}
		if err == nil {
			s.log.Info("subscribed", logx.Int64("recipient", recipient), logx.String("item", entry.ItemIdentifier))
			return res, nil
		}
		if try >= attempts || !retryable(err) {
			return res, err
		}
		s.log.Debug("subscribe raced, retrying", logx.String("item", entry.ItemIdentifier), logx.Err(err))
	}
}

// Unsubscribe removes recipient from the item. The subscription is deleted
// when nobody is left. removed is false when the recipient was not subscribed.
func (s *Service) Unsubscribe(ctx context.Context, recipient int64, itemID string) (removed bool, err error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return false, ErrEmptyInput
	}
	for try := 1; ; try++ {
		cur, found, err := s.store.FindByIdentifier(ctx, itemID)
		if err != nil {
			return false, err
		}
		if !found || !cur.RemoveRecipient(recipient) {
			return false, nil
		}
		if len(cur.Recipients) == 0 {
			err = s.store.Delete(ctx, cur)
		} else {
			_, err = s.store.Update(ctx, cur)
		}
		if err == nil {
			s.log.Info("unsubscribed",
				logx.Int64("recipient", recipient),
				logx.String("item", itemID),
				logx.Int("remaining", len(cur.Recipients)),
			)
			return true, nil
		}
		if try >= attempts || !errors.Is(err, storage.ErrConflict) {
			return false, err
		}
	}
}

func (s *Service) List(ctx context.Context, recipient int64) ([]storage.Subscription, error) {
	return s.store.ListByRecipient(ctx, recipient)
}

func (s *Service) Search(ctx context.Context, text string) ([]catalog.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	return s.catalog.SearchByTitle(ctx, text)
}

func retryable(err error) bool {
	return errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrDuplicate)
}
