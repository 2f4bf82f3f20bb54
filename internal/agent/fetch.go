package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/nodesync"
)

const (
	syncPath     = "/api/nodes/active-uuids"
	secretHeader = "X-Node-Sync-Secret"
	userAgent    = "vpnpower-agent/1"
	maxBodyBytes = 16 << 20
)

// Fetcher pulls the authoritative identity set from the backend
type Fetcher interface {
	Fetch(ctx context.Context) (nodesync.Snapshot, error)
}

// HTTPFetcherConfig configures an HTTPFetcher
type HTTPFetcherConfig struct {
	BaseURL    string
	Secret     string
	InboundTag string
	Flow       string
	Timeout    time.Duration
	Attempts   uint64
	// Backoff is the first retry delay; it doubles on every attempt.
	Backoff time.Duration
}

// HTTPFetcher fetches snapshots over HTTP with bounded retries
type HTTPFetcher struct {
	cfg    HTTPFetcherConfig
	client *http.Client
}

// NewHTTPFetcher creates a fetcher; every request is bounded by cfg.Timeout
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &HTTPFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch implements Fetcher. Transport errors and 5xx responses are retried;
// 401/403 map to ErrUnauthorized and are not.
func (f *HTTPFetcher) Fetch(ctx context.Context) (nodesync.Snapshot, error) {
	q := url.Values{}
	q.Set("inbound_tag", f.cfg.InboundTag)
	if f.cfg.Flow != "" {
		q.Set("flow", f.cfg.Flow)
	}
	endpoint := f.cfg.BaseURL + syncPath + "?" + q.Encode()

	var snap nodesync.Snapshot
	backoff := retry.WithMaxRetries(f.cfg.Attempts-1, retry.NewExponential(f.cfg.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		snap, err = f.fetchOnce(ctx, endpoint)
		return err
	})
	if err != nil {
		return nodesync.Snapshot{}, fmt.Errorf("fetch identities: %w", err)
	}
	return snap, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, endpoint string) (nodesync.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nodesync.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(secretHeader, f.cfg.Secret)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nodesync.Snapshot{}, retry.RetryableError(fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nodesync.Snapshot{}, fmt.Errorf("backend returned %d: %w", resp.StatusCode, model.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return nodesync.Snapshot{}, retry.RetryableError(
			fmt.Errorf("backend returned %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable))
	case resp.StatusCode != http.StatusOK:
		return nodesync.Snapshot{}, fmt.Errorf("backend returned %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}

	var snap nodesync.Snapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&snap); err != nil {
		return nodesync.Snapshot{}, fmt.Errorf("decode response: %w: %v", model.ErrUpstreamUnavailable, err)
	}
	return snap, nil
}
