// Package catalog implements a client for the remote module catalog that block
// searches are forwarded to. The catalog speaks the plugin information API:
//
//	GET {base}/plugins/info/1.2/?action=query_plugins&request[block]=...&request[page]=...
//
// and answers with {"info": {...}, "plugins": [...]} or {"error": "..."}.
//
// There are no retries. A failed query fails the search that issued it; the
// caller decides whether to try again.
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

	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/telemetry"
)

// maxErrorBody bounds how much of a failed response is quoted in the error.
const maxErrorBody = 512

// Searcher runs a single catalog query.
type Searcher interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// UpstreamError reports a catalog query that did not produce a usable result.
type UpstreamError struct {
	// Outcome is the metric label for the failure: transport_error, http_error,
	// decode_error or catalog_error.
	Outcome    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("catalog request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client queries the remote catalog over HTTP.
type Client struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
}

// NewClient creates a catalog client from configuration.
func NewClient(cfg config.CatalogConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		UserAgent: cfg.UserAgent,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SearchURL builds the query URL for q.
func (c *Client) SearchURL(q Query) string {
	params := url.Values{}
	params.Set("action", "query_plugins")
	params.Set("request[block]", q.Term)
	params.Set("request[per_page]", strconv.Itoa(q.PerPage))
	params.Set("request[page]", strconv.Itoa(q.Page))
	return c.BaseURL + "/plugins/info/1.2/?" + params.Encode()
}

// Search issues one catalog query. An empty plugin list is a successful result.
// Every failure is returned as an *UpstreamError.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	res, err := c.search(ctx, q)
	telemetry.CatalogRequestDuration.Observe(time.Since(start).Seconds())

	outcome := "ok"
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		outcome = upErr.Outcome
	}
	telemetry.CatalogRequestsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (c *Client) search(ctx context.Context, q Query) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SearchURL(q), nil)
	if err != nil {
		return nil, &UpstreamError{Outcome: "transport_error", Err: fmt.Errorf("failed to create search request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Outcome: "transport_error", Err: fmt.Errorf("failed to perform search request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			Outcome:    "http_error",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Outcome: "transport_error", Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &UpstreamError{Outcome: "decode_error", Err: fmt.Errorf("failed to decode search response: %w", err)}
	}
	if envelope.Error != "" {
		return nil, &UpstreamError{Outcome: "catalog_error", Err: errors.New(envelope.Error)}
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &UpstreamError{Outcome: "decode_error", Err: fmt.Errorf("failed to decode search response: %w", err)}
	}
	return &res, nil
}
