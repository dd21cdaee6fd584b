// Package catalog queries the App Store (iTunes Search API) for app metadata.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	logx "releasebot/pkg/logx"
)

const (
	DefaultBaseURL    = "https://itunes.apple.com"
	DefaultTimeout    = 30 * time.Second
	DefaultAttempts   = 3
	DefaultRetryDelay = 500 * time.Millisecond
	maxBodyBytes      = 4 << 20
)

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("catalog: unexpected http status")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: %s returned %d", e.URL, e.Code)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Temporary reports whether the request is worth repeating.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Entry is one catalog item.
type Entry struct {
	Title          string
	ItemIdentifier string
	DetailURL      string
	Version        string
	ReleaseNotes   string
}

type Config struct {
	BaseURL     string
	Country     string
	SearchLimit int
	Timeout     time.Duration
	Attempts    int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Country = strings.ToLower(strings.TrimSpace(c.Country))
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SearchLimit < 0 {
		c.SearchLimit = 0
	}
	return c
}

// Client talks to the lookup and search endpoints.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:  cfg.withDefaults(),
		http: &http.Client{},
		log:  log,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

type response struct {
	ResultCount int         `json:"resultCount"`
	Results     []resultRow `json:"results"`
}

type resultRow struct {
	TrackCensoredName string `json:"trackCensoredName"`
	TrackName         string `json:"trackName"`
	BundleID          string `json:"bundleId"`
	TrackViewURL      string `json:"trackViewUrl"`
	Version           string `json:"version"`
	ReleaseNotes      string `json:"releaseNotes"`
}

func (r resultRow) entry() Entry {
	title := r.TrackCensoredName
	if title == "" {
		title = r.TrackName
	}
	return Entry{
		Title:          strings.TrimSpace(title),
		ItemIdentifier: strings.TrimSpace(r.BundleID),
		DetailURL:      strings.TrimSpace(r.TrackViewURL),
		Version:        strings.TrimSpace(r.Version),
		ReleaseNotes:   strings.TrimSpace(r.ReleaseNotes),
	}
}

// LookupByIdentifier returns the entries for one bundle identifier. An item
// unknown to the catalog yields an empty slice and a nil error. Rows are
// returned as listed, including ones without a version.
func (c *Client) LookupByIdentifier(ctx context.Context, id string) ([]Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return []Entry{}, nil
	}
	q := url.Values{}
	q.Set("bundleId", id)
	if c.cfg.Country != "" {
		q.Set("country", c.cfg.Country)
	}
	rows, err := c.fetch(ctx, "lookup", q)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// SearchByTitle runs a free-text software search.
func (c *Client) SearchByTitle(ctx context.Context, text string) ([]Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Entry{}, nil
	}
	q := url.Values{}
	q.Set("term", text)
	q.Set("entity", "software")
	if c.cfg.SearchLimit > 0 {
		q.Set("limit", strconv.Itoa(c.cfg.SearchLimit))
	}
	if c.cfg.Country != "" {
		q.Set("country", c.cfg.Country)
	}
	rows, err := c.fetch(ctx, "search", q)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string, q url.Values) ([]resultRow, error) {
	u := c.cfg.BaseURL + "/" + endpoint + "?" + q.Encode()
	var (
		rows    []resultRow
		lastErr error
	)
	err := retry.Do(
		func() error {
			r, err := c.get(ctx, u)
			if err != nil {
				lastErr = err
				return err
			}
			rows = r
			return nil
		},
		retry.Attempts(uint(c.cfg.Attempts)),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(10*c.cfg.RetryDelay),
		retry.MaxJitter(c.cfg.RetryDelay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("catalog request retry", logx.String("endpoint", endpoint), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
		retry.RetryIf(retryable),
	)
	if err == nil {
		return rows, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("catalog %s: %w", endpoint, ctxErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("catalog %s: %w", endpoint, lastErr)
	}
	return nil, fmt.Errorf("catalog %s: %w", endpoint, err)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) get(ctx context.Context, u string) ([]resultRow, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, URL: redactQuery(u)}
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, &decodeError{err: err}
	}
	c.log.Debug("catalog response",
		logx.String("url", u),
		logx.Int("results", len(out.Results)),
		logx.Duration("took", time.Since(start)),
	)
	return out.Results, nil
}

func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
