package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "releasebot/pkg/logx"
)

// redisStore keeps one JSON value per subscription.
//
// Keys (with prefix, default "releasebot:"):
//   - sub:<id>    JSON Subscription
//   - item:<item> subscription id
//   - ids         set of all subscription ids
//
// Writes run inside WATCH/MULTI so revision checks are atomic.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "releasebot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) subKey(id string) string      { return s.prefix + "sub:" + id }
func (s *redisStore) itemKey(itemID string) string { return s.prefix + "item:" + itemID }
func (s *redisStore) idsKey() string               { return s.prefix + "ids" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) ListAll(ctx context.Context) ([]Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := []Subscription{}
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.subKey(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record; a concurrent delete is in flight
			continue
		}
		var sub Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			s.log.Warn("skipping undecodable subscription", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	sortByItem(out)
	return out, nil
}

func (s *redisStore) FindByIdentifier(ctx context.Context, itemID string) (Subscription, bool, error) {
	id, err := s.client.Get(ctx, s.itemKey(strings.TrimSpace(itemID))).Result()
	if errors.Is(err, redis.Nil) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	sub, err := s.get(ctx, s.client, id)
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

func (s *redisStore) ListByRecipient(ctx context.Context, recipient int64) ([]Subscription, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := []Subscription{}
	for _, sub := range all {
		if sub.HasRecipient(recipient) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *redisStore) get(ctx context.Context, c redis.Cmdable, id string) (Subscription, error) {
	raw, err := c.Get(ctx, s.subKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return sub, nil
}

func (s *redisStore) Insert(ctx context.Context, sub Subscription) (Subscription, error) {
	next, err := prepareInsert(sub)
	if err != nil {
		return Subscription{}, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return Subscription{}, err
	}
	itemKey := s.itemKey(next.ItemIdentifier)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, itemKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.subKey(next.ID), b, 0)
			pipe.Set(ctx, itemKey, next.ID, 0)
			pipe.SAdd(ctx, s.idsKey(), next.ID)
			return nil
		})
		return err
	}, itemKey)
	if errors.Is(err, redis.TxFailedErr) {
		return Subscription{}, ErrDuplicate
	}
	if err != nil {
		return Subscription{}, err
	}
	return next, nil
}

func (s *redisStore) Update(ctx context.Context, sub Subscription) (Subscription, error) {
	expected := sub.Revision
	next, err := prepareUpdate(sub)
	if err != nil {
		return Subscription{}, err
	}
	key := s.subKey(next.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur.Revision != expected {
			return ErrConflict
		}
		next.ItemIdentifier = cur.ItemIdentifier
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return Subscription{}, ErrConflict
	}
	if err != nil {
		return Subscription{}, err
	}
	return next, nil
}

func (s *redisStore) Delete(ctx context.Context, sub Subscription) error {
	if err := checkDelete(sub); err != nil {
		return err
	}
	key := s.subKey(sub.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, sub.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Revision != sub.Revision {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, s.itemKey(cur.ItemIdentifier))
			pipe.SRem(ctx, s.idsKey(), sub.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}
