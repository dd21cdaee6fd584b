package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	logx "releasebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string // "sqlite" | "postgres"
}

const subscriptionColumns = `id, rev, item_identifier, title, detail_url, versions, recipients`

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("%s migrate: %w", s.dialect, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (Subscription, error) {
	var (
		sub        Subscription
		versions   string
		recipients string
	)
	if err := r.Scan(&sub.ID, &sub.Revision, &sub.ItemIdentifier, &sub.Title, &sub.DetailURL, &versions, &recipients); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal([]byte(versions), &sub.VersionHistory); err != nil {
		return Subscription{}, fmt.Errorf("decode versions of %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(recipients), &sub.Recipients); err != nil {
		return Subscription{}, fmt.Errorf("decode recipients of %s: %w", sub.ID, err)
	}
	return sub, nil
}

func encodeLists(sub Subscription) (string, string, error) {
	v := sub.VersionHistory
	if v == nil {
		v = []string{}
	}
	r := sub.Recipients
	if r == nil {
		r = []int64{}
	}
	vb, err := json.Marshal(v)
	if err != nil {
		return "", "", err
	}
	rb, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}
	return string(vb), string(rb), nil
}

func (s *sqlStore) ListAll(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY item_identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindByIdentifier(ctx context.Context, itemID string) (Subscription, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE item_identifier = ?`), strings.TrimSpace(itemID))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// ListByRecipient filters in Go; recipients are stored as a JSON array and
// the subscription table stays small.
func (s *sqlStore) ListByRecipient(ctx context.Context, recipient int64) ([]Subscription, error) {
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

func (s *sqlStore) Insert(ctx context.Context, sub Subscription) (Subscription, error) {
	next, err := prepareInsert(sub)
	if err != nil {
		return Subscription{}, err
	}
	if _, found, err := s.FindByIdentifier(ctx, next.ItemIdentifier); err != nil {
		return Subscription{}, err
	} else if found {
		return Subscription{}, ErrDuplicate
	}
	versions, recipients, err := encodeLists(next)
	if err != nil {
		return Subscription{}, err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO subscriptions(`+subscriptionColumns+`, updated_at) VALUES(?,?,?,?,?,?,?,?)`),
		next.ID, next.Revision, next.ItemIdentifier, next.Title, next.DetailURL, versions, recipients, time.Now().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Subscription{}, ErrDuplicate
		}
		return Subscription{}, err
	}
	return next, nil
}

func (s *sqlStore) Update(ctx context.Context, sub Subscription) (Subscription, error) {
	expected := sub.Revision
	next, err := prepareUpdate(sub)
	if err != nil {
		return Subscription{}, err
	}
	versions, recipients, err := encodeLists(next)
	if err != nil {
		return Subscription{}, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscriptions
		SET rev = ?, title = ?, detail_url = ?, versions = ?, recipients = ?, updated_at = ?
		WHERE id = ? AND rev = ?`),
		next.Revision, next.Title, next.DetailURL, versions, recipients, time.Now().UnixMilli(),
		next.ID, expected,
	)
	if err != nil {
		return Subscription{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Subscription{}, err
	} else if n == 0 {
		return Subscription{}, s.missOrConflict(ctx, next.ID)
	}
	// item identifier is immutable; report what is stored
	return s.findByID(ctx, next.ID)
}

func (s *sqlStore) findByID(ctx context.Context, id string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *sqlStore) Delete(ctx context.Context, sub Subscription) error {
	if err := checkDelete(sub); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE id = ? AND rev = ?`), sub.ID, sub.Revision)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if err := s.missOrConflict(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *sqlStore) missOrConflict(ctx context.Context, id string) error {
	var rev string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT rev FROM subscriptions WHERE id = ?`), id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
