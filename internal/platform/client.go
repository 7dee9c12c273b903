// Package platform is the REST client for the app platform whose data
// sources and media the assistant answers questions about.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = int64(1 << 20) // 1MB
)

// Config configures the platform client.
type Config struct {
	BaseURL string
	Token   string
	// AppID scopes list operations to one app.
	AppID            string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client wraps the platform REST API. Every method issues exactly one
// request and never retries.
type Client struct {
	baseURL  string
	token    string
	appID    string
	timeout  time.Duration
	client   *http.Client
	maxBytes int64
}

// QueryOptions narrows a data source query. A zero value returns all entries.
type QueryOptions struct {
	Where  map[string]any `json:"where,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// NewClient creates a platform REST API client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("platform: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed == nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return nil, fmt.Errorf("platform: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("platform: base_url scheme must be http or https")
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("platform: token is required")
	}
	appID := strings.TrimSpace(cfg.AppID)
	if appID == "" {
		return nil, fmt.Errorf("platform: app_id is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &Client{
		baseURL:  baseURL,
		token:    token,
		appID:    appID,
		timeout:  timeout,
		client:   client,
		maxBytes: maxBytes,
	}, nil
}

// ListDataSources returns the app's data sources (GET /v1/data-sources).
func (c *Client) ListDataSources(ctx context.Context) (json.RawMessage, error) {
	q := url.Values{"appId": {c.appID}}
	return c.getField(ctx, "/v1/data-sources?"+q.Encode(), "dataSources")
}

// GetDataSource returns one data source's metadata (GET /v1/data-sources/{id}).
func (c *Client) GetDataSource(ctx context.Context, id string) (json.RawMessage, error) {
	id, err := requireID("data_source_id", id)
	if err != nil {
		return nil, err
	}
	return c.getField(ctx, "/v1/data-sources/"+url.PathEscape(id), "dataSource")
}

// ListDataSourceEntries returns every entry of a data source
// (GET /v1/data-sources/{id}/data).
func (c *Client) ListDataSourceEntries(ctx context.Context, id string) (json.RawMessage, error) {
	id, err := requireID("data_source_id", id)
	if err != nil {
		return nil, err
	}
	return c.getField(ctx, "/v1/data-sources/"+url.PathEscape(id)+"/data", "entries")
}

// QueryDataSource filters a data source's entries
// (POST /v1/data-sources/{id}/data/query).
func (c *Client) QueryDataSource(ctx context.Context, id string, opts QueryOptions) (json.RawMessage, error) {
	id, err := requireID("data_source_id", id)
	if err != nil {
		return nil, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, fmt.Errorf("platform: limit and offset must be non-negative")
	}
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("platform: encode query: %w", err)
	}
	data, status, endpoint, err := c.doJSON(ctx, http.MethodPost, "/v1/data-sources/"+url.PathEscape(id)+"/data/query", body)
	if err != nil {
		return nil, err
	}
	return extractField(data, "entries", status, endpoint)
}

// ListMedia returns the app's media folders and files (GET /v1/media).
// folderID is optional and narrows the listing to one folder.
func (c *Client) ListMedia(ctx context.Context, folderID string) (json.RawMessage, error) {
	q := url.Values{"appId": {c.appID}}
	if folderID = strings.TrimSpace(folderID); folderID != "" {
		q.Set("folderId", folderID)
	}
	data, status, endpoint, err := c.doJSON(ctx, http.MethodGet, "/v1/media?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Folders json.RawMessage `json:"folders"`
		Files   json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ParseError{StatusCode: status, URL: endpoint, Cause: err}
	}
	if envelope.Files == nil && envelope.Folders == nil {
		return nil, &ParseError{StatusCode: status, URL: endpoint, Cause: errors.New(`missing "files" and "folders" fields`)}
	}
	return data, nil
}

// GetMediaFile returns one media file's metadata (GET /v1/media/files/{id}).
func (c *Client) GetMediaFile(ctx context.Context, id string) (json.RawMessage, error) {
	id, err := requireID("file_id", id)
	if err != nil {
		return nil, err
	}
	return c.getField(ctx, "/v1/media/files/"+url.PathEscape(id), "media")
}

func (c *Client) getField(ctx context.Context, path, field string) (json.RawMessage, error) {
	data, status, endpoint, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return extractField(data, field, status, endpoint)
}

// doJSON performs one request and returns the raw 2xx body together with
// the status and URL for error reporting.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, int, string, error) {
	if c == nil || c.client == nil {
		return nil, 0, "", fmt.Errorf("platform: client not configured")
	}
	endpoint := c.baseURL + path

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, 0, endpoint, fmt.Errorf("platform: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, endpoint, c.transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, endpoint, c.transportError(ctx, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed any
		if len(bytes.TrimSpace(data)) > 0 && int64(len(data)) <= c.maxBytes {
			if json.Unmarshal(data, &parsed) != nil {
				parsed = nil
			}
		}
		return nil, resp.StatusCode, endpoint, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        endpoint,
			Body:       parsed,
		}
	}
	if int64(len(data)) > c.maxBytes {
		return nil, resp.StatusCode, endpoint, &ParseError{
			StatusCode: resp.StatusCode,
			URL:        endpoint,
			Cause:      fmt.Errorf("response exceeds %d bytes", c.maxBytes),
		}
	}

	return data, resp.StatusCode, endpoint, nil
}

// transportError turns a failed round trip into a TimeoutError when the
// client's own deadline fired. Cancellation by the caller is passed through.
func (c *Client) transportError(parent context.Context, endpoint string, err error) error {
	if parent.Err() == nil && isTimeout(err) {
		return &TimeoutError{URL: endpoint, Timeout: c.timeout, Cause: err}
	}
	return fmt.Errorf("platform: request failed: %w", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func extractField(data []byte, field string, status int, endpoint string) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ParseError{StatusCode: status, URL: endpoint, Cause: err}
	}
	value, ok := envelope[field]
	if !ok {
		return nil, &ParseError{StatusCode: status, URL: endpoint, Cause: fmt.Errorf("missing %q field", field)}
	}
	return value, nil
}

func requireID(name, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingID, name)
	}
	return id, nil
}
