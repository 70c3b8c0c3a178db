// Package catalog fetches the external product catalog whose snapshot is
// embedded in every new session's system context. A fetch never fails: any
// transport or decoding problem produces a placeholder snapshot that the
// session carries instead of product data.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/shopai-go/internal/logging"
)

const (
	// DefaultURL is the public product listing used when CATALOG_URL is unset.
	DefaultURL = "https://api.escuelajs.co/api/v1/products"

	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxItems is the number of records kept from the listing.
	DefaultMaxItems = 5

	// maxBodyBytes caps how much of the response body is read.
	maxBodyBytes = 8 << 20
)

// Item is one catalog record as returned by the upstream API.
type Item map[string]any

// Snapshot is the catalog state captured at one point in time.
// It is immutable once returned.
type Snapshot struct {
	// Items holds at most MaxItems records, or the single placeholder
	// record {"error": "..."} when the fetch failed.
	Items []Item

	// Err describes the fetch failure. Empty for a successful fetch.
	Err string

	// FetchedAt is when the fetch completed.
	FetchedAt time.Time
}

// Degraded reports whether the snapshot is a failure placeholder.
func (s Snapshot) Degraded() bool { return s.Err != "" }

// Render formats the snapshot as indented JSON for inclusion in a prompt.
func (s Snapshot) Render() string {
	items := s.Items
	if items == nil {
		items = []Item{}
	}
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Sprintf(`[{"error": %q}]`, err.Error())
	}
	return string(b)
}

// Placeholder builds the degraded snapshot for err.
func Placeholder(err error) Snapshot {
	msg := err.Error()
	return Snapshot{
		Items:     []Item{{"error": msg}},
		Err:       msg,
		FetchedAt: time.Now(),
	}
}

// Fetcher produces catalog snapshots.
// Implementations must be safe to call from multiple goroutines.
type Fetcher interface {
	// Fetch returns the current catalog snapshot. It never fails; failures
	// are represented by a degraded snapshot.
	Fetch(ctx context.Context) Snapshot
}

// Config holds the settings for constructing a Client.
type Config struct {
	// URL is the JSON list endpoint (default: DefaultURL).
	URL string

	// Timeout bounds a single fetch, including reading the body (default: 10s).
	Timeout time.Duration

	// MaxItems truncates the listing (default: 5).
	MaxItems int

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// Client fetches the catalog over HTTP.
type Client struct {
	// url is the JSON list endpoint.
	url string

	// timeout bounds one fetch.
	timeout time.Duration

	// maxItems truncates the listing.
	maxItems int

	// http is the underlying client.
	http *http.Client
}

// NewClient constructs a Client from cfg, applying defaults.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		url:      cfg.URL,
		timeout:  cfg.Timeout,
		maxItems: cfg.MaxItems,
		http:     hc,
	}
}

// Fetch performs one GET of the listing. Any failure is logged and returned
// as a placeholder snapshot.
func (c *Client) Fetch(ctx context.Context) Snapshot {
	start := time.Now()
	items, err := c.fetch(ctx)
	log := logging.FromContext(ctx)
	if err != nil {
		log.Warn("catalog: fetch degraded to placeholder",
			slog.String("url", c.url),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		return Placeholder(err)
	}

	log.Debug("catalog: fetched",
		slog.Int("items", len(items)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return Snapshot{Items: items, FetchedAt: time.Now()}
}

func (c *Client) fetch(ctx context.Context) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("catalog: request timed out after %s", c.timeout)
		}
		return nil, fmt.Errorf("catalog: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog: read body: %w", err)
	}

	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("catalog: decode listing: %w", err)
	}

	if len(items) > c.maxItems {
		items = items[:c.maxItems]
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}
