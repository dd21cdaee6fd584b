package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	logx "releasebot/pkg/logx"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "file", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "subs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		}},
		{name: "redis", open: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			st, err := Open(Config{Driver: "redis", DSN: "redis://" + mr.Addr()}, logx.Nop())
			if err != nil {
				t.Fatalf("open redis store: %v", err)
			}
			return st
		}},
		{name: "postgres", open: func(t *testing.T) Store {
			dsn := strings.TrimSpace(os.Getenv("RELEASEBOT_TEST_POSTGRES_URL"))
			if dsn == "" {
				t.Skip("RELEASEBOT_TEST_POSTGRES_URL not set")
			}
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres store: %v", err)
			}
			// Shared database: start from a clean table.
			if ss, ok := st.(*sqlStore); ok {
				if _, err := ss.db.Exec(`DELETE FROM subscriptions`); err != nil {
					t.Fatalf("reset table: %v", err)
				}
			}
			return st
		}},
	}
}

// forEachStore runs fn against every driver.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func newSub(item string, recipients ...int64) Subscription {
	return Subscription{
		ItemIdentifier: item,
		Title:          "Title " + item,
		DetailURL:      "https://apps.example/" + item,
		VersionHistory: []string{"1.0"},
		Recipients:     recipients,
	}
}

func TestStoreInsertAndFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		got, err := st.Insert(ctx, newSub("com.example.a", 30, 10, 20, 10))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if got.ID == "" || got.Revision == "" {
			t.Fatalf("expected id and revision, got %+v", got)
		}
		if want := []int64{10, 20, 30}; !equalInts(got.Recipients, want) {
			t.Fatalf("recipients = %v, want %v", got.Recipients, want)
		}

		found, ok, err := st.FindByIdentifier(ctx, "com.example.a")
		if err != nil || !ok {
			t.Fatalf("FindByIdentifier = %v, %v", ok, err)
		}
		if found.ID != got.ID || found.Revision != got.Revision {
			t.Fatalf("found %+v, want %+v", found, got)
		}
		if found.Title != "Title com.example.a" || found.LatestVersion() != "1.0" {
			t.Fatalf("unexpected fields: %+v", found)
		}

		_, ok, err = st.FindByIdentifier(ctx, "com.example.missing")
		if err != nil || ok {
			t.Fatalf("missing lookup = %v, %v; want false, nil", ok, err)
		}
	})
}

func TestStoreInsertRejects(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if _, err := st.Insert(ctx, newSub("com.example.a", 1)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := st.Insert(ctx, newSub("com.example.a", 2)); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate insert err = %v, want ErrDuplicate", err)
		}
		if _, err := st.Insert(ctx, newSub("  ", 2)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("empty identifier err = %v, want ErrInvalid", err)
		}
		withRev := newSub("com.example.b", 2)
		withRev.Revision = "1-abc"
		if _, err := st.Insert(ctx, withRev); !errors.Is(err, ErrInvalid) {
			t.Fatalf("insert with revision err = %v, want ErrInvalid", err)
		}
	})
}

func TestStoreUpdateRevisions(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first, err := st.Insert(ctx, newSub("com.example.a", 1))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}

		edit := first.Clone()
		edit.Title = "Renamed"
		edit.AppendVersion("1.1")
		second, err := st.Update(ctx, edit)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if second.Revision == first.Revision {
			t.Fatalf("revision did not change: %s", second.Revision)
		}
		if !strings.HasPrefix(second.Revision, "2-") {
			t.Fatalf("revision = %q, want generation 2", second.Revision)
		}

		stale := first.Clone()
		stale.Title = "Stale"
		if _, err := st.Update(ctx, stale); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update err = %v, want ErrConflict", err)
		}

		noRev := second.Clone()
		noRev.Revision = ""
		if _, err := st.Update(ctx, noRev); !errors.Is(err, ErrConflict) {
			t.Fatalf("update without revision err = %v, want ErrConflict", err)
		}

		ghost := second.Clone()
		ghost.ID = uuid.NewString()
		if _, err := st.Update(ctx, ghost); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update of missing record err = %v, want ErrNotFound", err)
		}

		got, _, err := st.FindByIdentifier(ctx, "com.example.a")
		if err != nil {
			t.Fatalf("FindByIdentifier: %v", err)
		}
		if got.Title != "Renamed" || got.Revision != second.Revision {
			t.Fatalf("stored %+v, want title Renamed rev %s", got, second.Revision)
		}
		if want := []string{"1.0", "1.1"}; !equalStrings(got.VersionHistory, want) {
			t.Fatalf("history = %v, want %v", got.VersionHistory, want)
		}
	})
}

func TestStoreUpdateKeepsIdentifier(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first, err := st.Insert(ctx, newSub("com.example.a", 1))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		edit := first.Clone()
		edit.ItemIdentifier = "com.example.other"
		out, err := st.Update(ctx, edit)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if out.ItemIdentifier != "com.example.a" {
			t.Fatalf("identifier = %q, want unchanged", out.ItemIdentifier)
		}
		if _, ok, _ := st.FindByIdentifier(ctx, "com.example.other"); ok {
			t.Fatalf("record reachable under new identifier")
		}
	})
}

func TestStoreHistoryIsCapped(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		sub := newSub("com.example.a", 1)
		sub.VersionHistory = []string{"1", "2", "3", "4", "5", "6", "7"}
		got, err := st.Insert(ctx, sub)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if want := []string{"3", "4", "5", "6", "7"}; !equalStrings(got.VersionHistory, want) {
			t.Fatalf("history = %v, want %v", got.VersionHistory, want)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		sub, err := st.Insert(ctx, newSub("com.example.a", 1))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}

		if err := st.Delete(ctx, sub); !errors.Is(err, ErrRecipientsNotEmpty) {
			t.Fatalf("delete with recipients err = %v, want ErrRecipientsNotEmpty", err)
		}

		stale := sub.Clone()
		stale.Recipients = nil
		edit := sub.Clone()
		edit.Title = "changed"
		if _, err := st.Update(ctx, edit); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := st.Delete(ctx, stale); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale delete err = %v, want ErrConflict", err)
		}

		cur, _, err := st.FindByIdentifier(ctx, "com.example.a")
		if err != nil {
			t.Fatalf("FindByIdentifier: %v", err)
		}
		cur.RemoveRecipient(1)
		if err := st.Delete(ctx, cur); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := st.FindByIdentifier(ctx, "com.example.a"); ok {
			t.Fatalf("record still present after delete")
		}
		if err := st.Delete(ctx, cur); err != nil {
			t.Fatalf("second Delete err = %v, want nil", err)
		}

		// identifier is free again
		if _, err := st.Insert(ctx, newSub("com.example.a", 2)); err != nil {
			t.Fatalf("re-insert after delete: %v", err)
		}
	})
}

func TestStoreListing(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, s := range []Subscription{
			newSub("com.example.c", 1, 2),
			newSub("com.example.a", 2),
			newSub("com.example.b", 3),
		} {
			if _, err := st.Insert(ctx, s); err != nil {
				t.Fatalf("Insert %s: %v", s.ItemIdentifier, err)
			}
		}

		all, err := st.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll: %v", err)
		}
		if got := identifiers(all); !equalStrings(got, []string{"com.example.a", "com.example.b", "com.example.c"}) {
			t.Fatalf("ListAll order = %v", got)
		}

		mine, err := st.ListByRecipient(ctx, 2)
		if err != nil {
			t.Fatalf("ListByRecipient: %v", err)
		}
		if got := identifiers(mine); !equalStrings(got, []string{"com.example.a", "com.example.c"}) {
			t.Fatalf("ListByRecipient = %v", got)
		}

		none, err := st.ListByRecipient(ctx, 99)
		if err != nil {
			t.Fatalf("ListByRecipient: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v", none)
		}
	})
}

func TestStoreClosed(t *testing.T) {
	for _, name := range []string{"memory", "file"} {
		name := name
		t.Run(name, func(t *testing.T) {
			var st Store
			if name == "memory" {
				st = NewMemory()
			} else {
				var err error
				st, err = Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "subs.json")}, logx.Nop())
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := st.ListAll(context.Background()); !errors.Is(err, ErrClosed) {
				t.Fatalf("ListAll after close err = %v, want ErrClosed", err)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, err := st.Insert(ctx, newSub("com.example.a", 1))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b, err := st.Insert(ctx, newSub("com.example.b", 2))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	a.AppendVersion("2.0")
	if _, err := st.Update(ctx, a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	b.Recipients = nil
	if err := st.Delete(ctx, b); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	_ = fs.journal.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	all, err := st2.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 || all[0].ItemIdentifier != "com.example.a" {
		t.Fatalf("replayed records = %+v", all)
	}
	if all[0].LatestVersion() != "2.0" {
		t.Fatalf("latest version = %q, want 2.0", all[0].LatestVersion())
	}
}

func TestFileStoreCompactsOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subs.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.Insert(ctx, newSub("com.example.a", 1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "subs.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal size = %d, want 0 after compaction", info.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "subs.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "couch"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for postgres without dsn")
	}
}

func identifiers(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ItemIdentifier)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
