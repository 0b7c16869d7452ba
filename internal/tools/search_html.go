package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLSearcher scrapes a keyless HTML search frontend. It exists as the
// fallback provider for deployments without a search API subscription; the
// selectors match the lite DuckDuckGo-style result markup.
type HTMLSearcher struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTMLSearcher creates an HTMLSearcher against the given frontend URL.
func NewHTMLSearcher(endpoint string, client *http.Client, logger *slog.Logger) (*HTMLSearcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: searchRequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTMLSearcher{endpoint: endpoint, client: client, logger: logger}, nil
}

// Search fetches the result page for the query and extracts up to
// maxResults hits.
func (s *HTMLSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if maxResults <= 0 {
		return nil, fmt.Errorf("maxResults must be positive, got %d", maxResults)
	}

	reqURL := s.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search frontend returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxSearchResponseSize))
	if err != nil {
		return nil, fmt.Errorf("parsing search results page: %w", err)
	}

	var results []SearchResult
	seen := make(map[string]bool)
	doc.Find("div.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok || href == "" || seen[href] {
			return true
		}
		seen[href] = true
		results = append(results, SearchResult{
			Title:   strings.TrimSpace(link.Text()),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").First().Text()),
			URL:     href,
		})
		return len(results) < maxResults
	})

	s.logger.Debug("html search completed", "query", query, "results", len(results))
	return results, nil
}
