// Package source turns a linked page (an issue, a bug report, a design
// note) into text that can seed a ticket description.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	// MaxTextSize bounds the extracted text. Ticket rich text is cut
	// again at the property limit.
	MaxTextSize  = 50 * 1024
	fetchTimeout = 30 * time.Second
	userAgent    = "babysitter/1.0"
)

// Document is the readable content of a fetched page.
type Document struct {
	URL   string
	Title string
	Text  string
	Words int
}

// Description formats the document for a ticket description.
func (d *Document) Description() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s", d.URL)
	if d.Title != "" {
		fmt.Fprintf(&b, " (%s)", d.Title)
	}
	if d.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(d.Text)
	}
	return b.String()
}

// Fetcher downloads pages and extracts their main content.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher. client may be nil.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client}
}

// Fetch retrieves rawURL. HTML is reduced to its readable article text;
// other content types are returned as-is, truncated.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("source: url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("source: invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source: fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	doc := &Document{URL: rawURL}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxTextSize))
		if err != nil {
			return nil, fmt.Errorf("source: read %s: %w", rawURL, err)
		}
		doc.Text = strings.TrimSpace(string(body))
		doc.Words = len(strings.Fields(doc.Text))
		return doc, nil
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return nil, fmt.Errorf("source: parse %s: %w", rawURL, err)
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return nil, fmt.Errorf("source: render %s: %w", rawURL, err)
	}
	doc.Title = strings.TrimSpace(article.Title())
	doc.Text = strings.TrimSpace(buf.String())
	doc.Words = len(strings.Fields(doc.Text))
	if len(doc.Text) > MaxTextSize {
		doc.Text = doc.Text[:MaxTextSize] + "\n... [truncated]"
	}
	return doc, nil
}
