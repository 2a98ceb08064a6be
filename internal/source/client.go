package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// APIVersion is sent on every request; the provider rejects calls
	// without it once a breaking revision ships.
	APIVersion = "2024-05-01"

	// listPageSize is the maximum page size the provider allows.
	listPageSize = 100

	// maxResponseBytes caps response bodies before decoding.
	maxResponseBytes = 8 << 20
)

// Client is a lightweight HTTP client for the content provider. It maps
// provider responses onto the package error taxonomy; pacing and retries
// belong to the Fetcher that wraps it.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient validates the endpoint and returns a ready client.
func NewClient(baseURL, token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("provider token is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid provider base URL %q", baseURL)
	}

	return &Client{
		baseURL: u.Scheme + "://" + u.Host,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type listRequest struct {
	Since    *time.Time `json:"since,omitempty"`
	Cursor   string     `json:"cursor,omitempty"`
	PageSize int        `json:"page_size"`
}

// ListChanged returns one page of items with revision >= since.
func (c *Client) ListChanged(ctx context.Context, since time.Time, cursor string) (*ChangePage, error) {
	req := listRequest{Cursor: cursor, PageSize: listPageSize}
	if !since.IsZero() {
		req.Since = &since
	}

	var page ChangePage
	if err := c.do(ctx, http.MethodPost, "/v1/items/changes", req, &page); err != nil {
		return nil, fmt.Errorf("list changed: %w", err)
	}
	return &page, nil
}

// ListAll returns one page of the provider's full current id set. Used by
// the reconcile pass to detect deletions without a deletion feed.
func (c *Client) ListAll(ctx context.Context, cursor string) (*ChangePage, error) {
	req := listRequest{Cursor: cursor, PageSize: listPageSize}

	var page ChangePage
	if err := c.do(ctx, http.MethodPost, "/v1/items/list", req, &page); err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return &page, nil
}

// Fetch returns the full item, body tree included.
func (c *Client) Fetch(ctx context.Context, id string) (*Item, error) {
	var item Item
	if err := c.do(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", id, err)
	}
	return &item, nil
}

// do executes one request and decodes the response, translating failures
// into the package error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("API-Version", APIVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Honor caller cancellation; everything else at the transport
		// layer (timeout, reset, DNS) is transient.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if err := statusError(resp.StatusCode, respBody); err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// statusError maps a non-2xx status onto the error taxonomy.
func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuth, status)
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return &TransientError{Err: fmt.Errorf("server error (status %d): %s", status, truncate(body, 200))}
	default:
		return fmt.Errorf("provider error (status %d): %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
