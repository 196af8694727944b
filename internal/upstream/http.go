package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rsstools/feedsyncd/internal/feed"
)

// HTTPConfig configures the HTTP upstream client.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each call. Calls are the only operations permitted
	// to block; they always carry this timeout.
	Timeout time.Duration

	// Credentials supplies bearer tokens.
	Credentials CredentialProvider
}

// HTTPClient is the production Client implementation over the service's
// REST API. Each method makes a single attempt (plus at most one
// token-refresh retry on 401) and reports rate counters parsed from
// X-RateLimit-* response headers.
type HTTPClient struct {
	base  string
	creds CredentialProvider
	http  *http.Client
}

// NewHTTPClient creates an HTTP upstream client.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		base:  config.BaseURL,
		creds: config.Credentials,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

// itemsResponse is the wire shape of GET /v1/items.
type itemsResponse struct {
	Items      []feed.RemoteItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ListChangedItems implements Client.ListChangedItems.
func (c *HTTPClient) ListChangedItems(ctx context.Context, opts ListOptions) (*ItemsPage, error) {
	q := url.Values{}
	if opts.Since != nil {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.ExcludeRead {
		q.Set("exclude_read", "true")
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}

	endpoint := c.base + "/v1/items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	resp, rate, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var body itemsResponse
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, fmt.Errorf("failed to parse items response: %w", err)
	}

	return &ItemsPage{
		Items:      body.Items,
		NextCursor: body.NextCursor,
		Rate:       rate,
	}, nil
}

// pushRequest is the wire shape of POST /v1/items/state.
type pushRequest struct {
	Changes []pushChange `json:"changes"`
}

type pushChange struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

type pushResponse struct {
	Accepted []string `json:"accepted"`
	Rejected []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

// PushStateChanges implements Client.PushStateChanges.
func (c *HTTPClient) PushStateChanges(ctx context.Context, batch []Change) (*PushResult, error) {
	req := pushRequest{Changes: make([]pushChange, 0, len(batch))}
	for _, ch := range batch {
		req.Changes = append(req.Changes, pushChange{
			ID:        ch.ItemUpstreamID,
			Action:    string(ch.Action),
			Timestamp: ch.Timestamp.UTC(),
		})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	resp, rate, err := c.do(ctx, http.MethodPost, c.base+"/v1/items/state", payload)
	if err != nil {
		return nil, err
	}

	var body pushResponse
	if err := json.Unmarshal(resp, &body); err != nil {
		return nil, fmt.Errorf("failed to parse push response: %w", err)
	}

	result := &PushResult{
		Accepted: body.Accepted,
		Rate:     rate,
	}
	for _, r := range body.Rejected {
		result.Rejected = append(result.Rejected, Rejection{
			ItemUpstreamID: r.ID,
			Reason:         r.Reason,
		})
	}

	return result, nil
}

// do executes one request with auth, retrying once with a fresh token on
// 401, and classifies failures per the engine's error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, *RateInfo, error) {
	body, rate, status, err := c.doOnce(ctx, method, endpoint, payload)
	if err != nil {
		return nil, nil, err
	}

	if status == http.StatusUnauthorized {
		// The provider handles its own refresh; one fresh token, one retry.
		body, rate, status, err = c.doOnce(ctx, method, endpoint, payload)
		if err != nil {
			return nil, nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, nil, ErrAuthExpired
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return nil, rate, fmt.Errorf("%w (reset in %s)", ErrRateLimited, resetHint(rate))
	case status >= 500:
		return nil, rate, &TransientError{Op: method + " " + endpoint, Err: fmt.Errorf("server returned %d", status)}
	case status >= 400:
		return nil, rate, fmt.Errorf("upstream rejected %s %s: status %d: %s", method, endpoint, status, truncate(body, 200))
	}

	return body, rate, nil
}

// doOnce performs a single HTTP round trip.
func (c *HTTPClient) doOnce(ctx context.Context, method, endpoint string, payload []byte) ([]byte, *RateInfo, int, error) {
	token, err := c.creds.BearerToken(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to get bearer token: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, 0, &TransientError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, &TransientError{Op: method + " " + endpoint, Err: err}
	}

	return body, parseRateHeaders(resp.Header), resp.StatusCode, nil
}

// parseRateHeaders extracts the X-RateLimit-* counters, if present.
func parseRateHeaders(h http.Header) *RateInfo {
	usedStr := h.Get("X-RateLimit-Used")
	limitStr := h.Get("X-RateLimit-Limit")
	if usedStr == "" && limitStr == "" {
		return nil
	}

	info := &RateInfo{Used: -1, Limit: -1}
	if n, err := strconv.Atoi(usedStr); err == nil {
		info.Used = n
	}
	if n, err := strconv.Atoi(limitStr); err == nil {
		info.Limit = n
	}
	if n, err := strconv.Atoi(h.Get("X-RateLimit-Reset")); err == nil {
		info.ResetAfter = time.Duration(n) * time.Second
	}
	return info
}

// resetHint renders the reset delay for error messages.
func resetHint(rate *RateInfo) string {
	if rate == nil || rate.ResetAfter == 0 {
		return "unknown"
	}
	return rate.ResetAfter.String()
}

// truncate bounds body excerpts in error messages.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
