// Package sources fetches context documents and converts them to markdown.
package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxChars caps a single document.
const DefaultMaxChars = 50000

const maxBodyBytes = 5 << 20

// Document is one fetched source.
type Document struct {
	URL       string
	Markdown  string
	Truncated bool
}

// Fetcher retrieves URLs as markdown.
type Fetcher struct {
	client   *http.Client
	maxChars int
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher. maxChars <= 0 uses DefaultMaxChars.
func NewFetcher(maxChars int, logger *slog.Logger) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxChars: maxChars,
		logger:   logger,
	}
}

// Fetch retrieves url. HTML is converted to markdown; text bodies are kept as-is.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "quorum/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	if isHTML(resp.Header.Get("Content-Type")) {
		text, err = htmltomarkdown.ConvertString(text)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
	}

	doc := &Document{URL: url, Markdown: strings.TrimSpace(text)}
	if len(doc.Markdown) > f.maxChars {
		doc.Markdown = doc.Markdown[:f.maxChars] + "\n\n[Content truncated]"
		doc.Truncated = true
	}
	return doc, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// FetchAll retrieves urls concurrently and renders them as one context
// block in input order. Failed URLs are logged and skipped.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) string {
	if len(urls) == 0 {
		return ""
	}

	docs := make([]*Document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			doc, err := f.Fetch(gctx, u)
			if err != nil {
				f.logger.Warn("context source skipped", "url", u, "error", err)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	g.Wait()

	var b strings.Builder
	for _, d := range docs {
		if d == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Source: %s\n\n%s", d.URL, d.Markdown)
	}
	return b.String()
}
