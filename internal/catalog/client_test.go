package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "releasebot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		Country:    "US",
		Timeout:    2 * time.Second,
		Attempts:   3,
		RetryDelay: time.Millisecond,
	}, logx.Nop(), WithHTTPClient(srv.Client()))
}

func TestLookupByIdentifier(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lookup" {
			t.Errorf("path = %q, want /lookup", r.URL.Path)
		}
		if got := r.URL.Query().Get("bundleId"); got != "com.acme.app" {
			t.Errorf("bundleId = %q", got)
		}
		if got := r.URL.Query().Get("country"); got != "us" {
			t.Errorf("country = %q, want us", got)
		}
		fmt.Fprint(w, `{"resultCount":2,"results":[
			{"trackCensoredName":"Acme","bundleId":"com.acme.app","trackViewUrl":"https://apps.example/acme","version":"1.1","releaseNotes":"Fixes"},
			{"trackCensoredName":"Bundle","bundleId":"com.acme.app","version":""}
		]}`)
	})

	got, err := c.LookupByIdentifier(context.Background(), " com.acme.app ")
	if err != nil {
		t.Fatalf("LookupByIdentifier: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[1].Version != "" || got[1].ItemIdentifier != "com.acme.app" {
		t.Fatalf("versionless entry = %+v", got[1])
	}
	want := Entry{Title: "Acme", ItemIdentifier: "com.acme.app", DetailURL: "https://apps.example/acme", Version: "1.1", ReleaseNotes: "Fixes"}
	if got[0] != want {
		t.Fatalf("entry = %+v, want %+v", got[0], want)
	}
}

func TestLookupEmptyIsNotAnError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resultCount":0,"results":[]}`)
	})
	got, err := c.LookupByIdentifier(context.Background(), "com.example.gone")
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("entries = %#v, want empty slice", got)
	}
}

func TestSearchByTitle(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/search" || q.Get("term") != "GMail" || q.Get("entity") != "software" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		fmt.Fprint(w, `{"resultCount":1,"results":[{"trackName":"Gmail","bundleId":"com.google.Gmail","trackViewUrl":"u","version":"6.0"}]}`)
	})
	got, err := c.SearchByTitle(context.Background(), "GMail")
	if err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Gmail" || got[0].ItemIdentifier != "com.google.Gmail" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"resultCount":1,"results":[{"trackCensoredName":"A","bundleId":"a","version":"2"}]}`)
	})
	got, err := c.LookupByIdentifier(context.Background(), "a")
	if err != nil {
		t.Fatalf("LookupByIdentifier: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := c.LookupByIdentifier(context.Background(), "a")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %#v, want *StatusError 400", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.LookupByIdentifier(context.Background(), "a")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestMalformedBody(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{not json`)
	})
	if _, err := c.LookupByIdentifier(context.Background(), "a"); err == nil {
		t.Fatalf("expected decode error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestEmptyInputSkipsRequest(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.String())
	})
	if got, err := c.SearchByTitle(context.Background(), "   "); err != nil || len(got) != 0 {
		t.Fatalf("SearchByTitle = %v, %v", got, err)
	}
}
