// Package notion implements store.Client on the Notion REST API.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/h1v3-io/babysitter/internal/store"
)

const (
	apiVersion = "2025-09-03"
	pageSize   = 100
	maxRetries = 3
)

// APIError is a non-2xx response from the Notion API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion: api error (status %d, %s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps API failures onto the store sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == "object_not_found" || e.Status == http.StatusNotFound:
		return store.ErrNotFound
	case e.Code == "validation_error" || e.Status == http.StatusBadRequest:
		return store.ErrValidation
	}
	return nil
}

// Client talks to one Notion workspace.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *slog.Logger

	mu          sync.Mutex
	dataSources map[string]string // database id -> data source id
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client authenticated with an integration token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: 30 * time.Second},
		baseURL:     "https://api.notion.com",
		token:       token,
		logger:      slog.Default(),
		dataSources: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ store.Client = (*Client)(nil)

// CreatePage creates a page in the database's first data source.
func (c *Client) CreatePage(ctx context.Context, req store.CreatePageRequest) (*store.Page, error) {
	dsID, err := c.dataSource(ctx, req.DatabaseID)
	if err != nil {
		return nil, err
	}
	props, err := encodeProperties(req.Properties)
	if err != nil {
		return nil, err
	}
	// Children go in a second request so that nesting depth is unlimited.
	body := map[string]any{
		"parent":     map[string]any{"type": "data_source_id", "data_source_id": dsID},
		"properties": props,
	}
	var wp wirePage
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &wp); err != nil {
		return nil, err
	}
	page := wp.toPage(req.DatabaseID)
	if len(req.Children) > 0 {
		if _, err := c.AppendBlocks(ctx, page.ID, req.Children); err != nil {
			return page, err
		}
	}
	return page, nil
}

// GetPage retrieves a page, archived or not.
func (c *Client) GetPage(ctx context.Context, pageID string) (*store.Page, error) {
	var wp wirePage
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil, &wp); err != nil {
		return nil, err
	}
	return wp.toPage(""), nil
}

// UpdatePage merges props into the page.
func (c *Client) UpdatePage(ctx context.Context, pageID string, props store.Properties) (*store.Page, error) {
	encoded, err := encodeProperties(props)
	if err != nil {
		return nil, err
	}
	var wp wirePage
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]any{"properties": encoded}, &wp); err != nil {
		return nil, err
	}
	return wp.toPage(""), nil
}

// SetArchived moves a page to or out of the trash.
func (c *Client) SetArchived(ctx context.Context, pageID string, archived bool) error {
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]any{"archived": archived}, nil)
}

// QueryPages pages through the database's data source query.
func (c *Client) QueryPages(ctx context.Context, q store.Query) ([]*store.Page, error) {
	dsID, err := c.dataSource(ctx, q.DatabaseID)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if q.Filter != nil {
		body["filter"] = encodeFilter(q.Filter)
	}
	if len(q.Sorts) > 0 {
		sorts := make([]map[string]string, 0, len(q.Sorts))
		for _, s := range q.Sorts {
			entry := map[string]string{"direction": s.Direction}
			if s.Timestamp != "" {
				entry["timestamp"] = s.Timestamp
			} else {
				entry["property"] = s.Property
			}
			sorts = append(sorts, entry)
		}
		body["sorts"] = sorts
	}

	var out []*store.Page
	cursor := ""
	for {
		size := pageSize
		if q.Limit > 0 && q.Limit-len(out) < size {
			size = q.Limit - len(out)
		}
		body["page_size"] = size
		if cursor != "" {
			body["start_cursor"] = cursor
		} else {
			delete(body, "start_cursor")
		}
		var resp struct {
			Results    []wirePage `json:"results"`
			HasMore    bool       `json:"has_more"`
			NextCursor string     `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/data_sources/"+url.PathEscape(dsID)+"/query", body, &resp); err != nil {
			return nil, err
		}
		for _, wp := range resp.Results {
			if wp.Archived || wp.InTrash {
				continue
			}
			out = append(out, wp.toPage(q.DatabaseID))
		}
		if !resp.HasMore || resp.NextCursor == "" || (q.Limit > 0 && len(out) >= q.Limit) {
			break
		}
		cursor = resp.NextCursor
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListBlocks returns every direct child of a page or block.
func (c *Client) ListBlocks(ctx context.Context, parentID string) ([]store.Block, error) {
	var out []store.Block
	cursor := ""
	for {
		v := url.Values{"page_size": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			v.Set("start_cursor", cursor)
		}
		var resp struct {
			Results    []wireBlock `json:"results"`
			HasMore    bool        `json:"has_more"`
			NextCursor string      `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodGet, "/v1/blocks/"+url.PathEscape(parentID)+"/children?"+v.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, wb := range resp.Results {
			out = append(out, wb.toBlock())
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

// AppendBlocks appends blocks in batches and then appends each block's
// children beneath the created block.
func (c *Client) AppendBlocks(ctx context.Context, parentID string, blocks []store.Block) ([]store.Block, error) {
	var created []store.Block
	for start := 0; start < len(blocks); start += pageSize {
		end := min(start+pageSize, len(blocks))
		batch := blocks[start:end]

		children := make([]map[string]any, 0, len(batch))
		for _, b := range batch {
			wb, err := encodeBlock(b)
			if err != nil {
				return created, err
			}
			children = append(children, wb)
		}
		var resp struct {
			Results []wireBlock `json:"results"`
		}
		if err := c.do(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(parentID)+"/children", map[string]any{"children": children}, &resp); err != nil {
			return created, err
		}
		// The response lists the parent's trailing children; ours are last.
		results := resp.Results
		if len(results) > len(batch) {
			results = results[len(results)-len(batch):]
		}
		for i, wb := range results {
			b := wb.toBlock()
			if i < len(batch) && len(batch[i].Children) > 0 {
				if _, err := c.AppendBlocks(ctx, b.ID, batch[i].Children); err != nil {
					return created, err
				}
				b.HasChildren = true
			}
			created = append(created, b)
		}
	}
	return created, nil
}

// DeleteBlock archives a block.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(blockID), nil, nil)
}

// dataSource resolves and caches the first data source of a database.
func (c *Client) dataSource(ctx context.Context, databaseID string) (string, error) {
	c.mu.Lock()
	id, ok := c.dataSources[databaseID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var db struct {
		DataSources []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data_sources"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil, &db); err != nil {
		return "", err
	}
	if len(db.DataSources) == 0 {
		return "", fmt.Errorf("notion: database %s has no data sources: %w", databaseID, store.ErrNotFound)
	}
	id = db.DataSources[0].ID
	c.mu.Lock()
	c.dataSources[databaseID] = id
	c.mu.Unlock()
	c.logger.Debug("data source resolved", "database", databaseID, "data_source", id)
	return id, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("notion: marshal: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("notion: create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", apiVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("notion: http request: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("notion: read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			c.logger.Warn("notion rate limited", "path", path, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Status: resp.StatusCode}
			if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = string(data)
			}
			apiErr.Status = resp.StatusCode
			return apiErr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("notion: unmarshal response: %w", err)
		}
		return nil
	}
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
