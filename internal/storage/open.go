package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	logx "releasebot/pkg/logx"
)

// Store is the persistence API used by the watcher and the command handlers.
type Store interface {
	// ListAll returns every subscription ordered by item identifier.
	ListAll(ctx context.Context) ([]Subscription, error)
	FindByIdentifier(ctx context.Context, itemID string) (Subscription, bool, error)
	ListByRecipient(ctx context.Context, recipient int64) ([]Subscription, error)

	// Insert assigns ID and the first revision. s.Revision must be empty.
	Insert(ctx context.Context, s Subscription) (Subscription, error)
	// Update requires s.Revision to match the stored record and returns the
	// record with its new revision.
	Update(ctx context.Context, s Subscription) (Subscription, error)
	// Delete requires empty recipients and a matching revision.
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, s Subscription) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newID() string { return uuid.NewString() }

// nextRevision returns "<generation+1>-<random>".
func nextRevision(prev string) string {
	gen := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		gen, _ = strconv.Atoi(prev[:i])
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strconv.Itoa(gen+1) + "-" + suffix
}

func prepareInsert(s Subscription) (Subscription, error) {
	s = s.Clone()
	s.normalize()
	if s.ItemIdentifier == "" {
		return Subscription{}, fmt.Errorf("%w: item identifier is empty", ErrInvalid)
	}
	if s.Revision != "" {
		return Subscription{}, fmt.Errorf("%w: revision must be empty on insert", ErrInvalid)
	}
	if s.ID == "" {
		s.ID = newID()
	}
	s.Revision = nextRevision("")
	return s, nil
}

// prepareUpdate validates s and returns the record to write. The caller
// compares s.Revision against the stored one.
func prepareUpdate(s Subscription) (Subscription, error) {
	s = s.Clone()
	s.normalize()
	if s.ID == "" || s.ItemIdentifier == "" {
		return Subscription{}, fmt.Errorf("%w: id and item identifier are required", ErrInvalid)
	}
	if s.Revision == "" {
		return Subscription{}, fmt.Errorf("%w: missing revision", ErrConflict)
	}
	s.Revision = nextRevision(s.Revision)
	return s, nil
}

func checkDelete(s Subscription) error {
	if len(s.Recipients) > 0 {
		return fmt.Errorf("%w: %s has %d", ErrRecipientsNotEmpty, s.ItemIdentifier, len(s.Recipients))
	}
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Revision == "" {
		return fmt.Errorf("%w: missing revision", ErrConflict)
	}
	return nil
}
