// Package client provides a client for the collector admin API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/collector/internal/admin"
	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/feed"
)

// =============================================================================
// Errors
// =============================================================================

var ErrClientClosed = errors.New("client is closed")

// APIError is a non-2xx response of the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("admin api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Unwrap maps the status onto the shared sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errors.ErrNotFound
	case http.StatusBadRequest:
		return errors.ErrInvalidArgument
	default:
		return nil
	}
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:8089",
		RequestTimeout: 30 * time.Second,
	}
}

// Client calls the admin API of one collector.
type Client struct {
	base   string
	http   *http.Client
	closed atomic.Bool
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	base := cfg.Addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Close releases idle connections. Later calls fail with ErrClientClosed.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.http.CloseIdleConnections()
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// =============================================================================
// Spool
// =============================================================================

// Health reports whether the collector and its database are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// Stats returns writer, queue and pool statistics.
func (c *Client) Stats(ctx context.Context) (*admin.StatsResponse, error) {
	var out admin.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Files lists the spool files not yet promoted.
func (c *Client) Files(ctx context.Context) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/spool/files", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// SetFlush enables or disables promotion and returns the resulting state.
func (c *Client) SetFlush(ctx context.Context, enabled bool) (bool, error) {
	path := "/spool/flush/disable"
	if enabled {
		path = "/spool/flush/enable"
	}
	var out struct {
		FlushEnabled bool `json:"flushEnabled"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return false, err
	}
	return out.FlushEnabled, nil
}

// Cutoff returns the recovery cutoff.
func (c *Client) Cutoff(ctx context.Context) (time.Duration, error) {
	var out struct {
		Cutoff string `json:"cutoff"`
	}
	if err := c.do(ctx, http.MethodGet, "/spool/cutoff", nil, nil, &out); err != nil {
		return 0, err
	}
	return time.ParseDuration(out.Cutoff)
}

// SetCutoff changes the recovery cutoff.
func (c *Client) SetCutoff(ctx context.Context, d time.Duration) error {
	body := map[string]string{"cutoff": d.String()}
	return c.do(ctx, http.MethodPut, "/spool/cutoff", nil, body, nil)
}

// Recover runs a recovery sweep and returns the number of files processed.
func (c *Client) Recover(ctx context.Context) (int, error) {
	var out struct {
		Processed int `json:"processed"`
	}
	if err := c.do(ctx, http.MethodPost, "/spool/recover", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Processed, nil
}

// =============================================================================
// Counters
// =============================================================================

// Subscriptions lists the counter subscriptions.
func (c *Client) Subscriptions(ctx context.Context) ([]*counter.CounterSubscription, error) {
	var out []*counter.CounterSubscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RollUp starts a roll-up of appID. It returns false when one is already
// running.
func (c *Client) RollUp(ctx context.Context, appID string) (bool, error) {
	err := c.do(ctx, http.MethodPost, "/rollup/"+url.PathEscape(appID), nil, nil, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return false, nil
	}
	return err == nil, err
}

// Counters returns the roll-ups of q.AppID matching q.
func (c *Client) Counters(ctx context.Context, q counter.Query) ([]*counter.RolledUpCounter, error) {
	v := url.Values{}
	if q.From != nil {
		v.Set("from", q.From.UTC().Format(counter.DateLayout))
	}
	if q.To != nil {
		v.Set("to", q.To.UTC().Format(counter.DateLayout))
	}
	if len(q.CounterTypes) > 0 {
		v.Set("types", strings.Join(q.CounterTypes, ","))
	}
	if q.ExcludeDistribution {
		v.Set("excludeDistribution", "true")
	}
	if q.DistributionLimit > 0 {
		v.Set("distributionLimit", strconv.Itoa(q.DistributionLimit))
	}

	var out []*counter.RolledUpCounter
	if err := c.do(ctx, http.MethodGet, "/counters/"+url.PathEscape(q.AppID), v, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Feed
// =============================================================================

// Feed returns up to count events of channel after offset.
func (c *Client) Feed(ctx context.Context, channel string, offset int64, count int) ([]*feed.FeedEvent, error) {
	v := url.Values{}
	v.Set("offset", strconv.FormatInt(offset, 10))
	if count > 0 {
		v.Set("count", strconv.Itoa(count))
	}

	var out []*feed.FeedEvent
	if err := c.do(ctx, http.MethodGet, "/feed/"+url.PathEscape(channel), v, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CleanFeed runs one feed retention pass and returns the deleted count.
func (c *Client) CleanFeed(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/feed-cleanup", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}
