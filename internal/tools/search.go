package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string
	Snippet string
	URL     string
}

// Searcher performs a web search. maxResults is an upper bound; providers
// may return fewer hits.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

const (
	searchRequestTimeout  = 30 * time.Second
	maxSearchResponseSize = 4 << 20 // 4 MiB
)

// APISearcher queries a JSON search API. The request and response shapes
// follow the common hosted-search contract: POST the query with an API key,
// receive a results array of title/url/content objects.
type APISearcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewAPISearcher creates an APISearcher. A nil client gets a default with a
// request timeout.
func NewAPISearcher(endpoint, apiKey string, client *http.Client, logger *slog.Logger) (*APISearcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: searchRequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APISearcher{endpoint: endpoint, apiKey: apiKey, client: client, logger: logger}, nil
}

type searchAPIRequest struct {
	APIKey     string `json:"api_key,omitempty"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchAPIResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search posts the query and returns up to maxResults deduplicated hits.
func (s *APISearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if maxResults <= 0 {
		return nil, fmt.Errorf("maxResults must be positive, got %d", maxResults)
	}

	payload, err := json.Marshal(searchAPIRequest{
		APIKey:     s.apiKey,
		Query:      query,
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, truncateForError(body))
	}

	var parsed searchAPIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	seen := make(map[string]bool, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		results = append(results, SearchResult{Title: r.Title, Snippet: r.Content, URL: r.URL})
		if len(results) == maxResults {
			break
		}
	}

	s.logger.Debug("search completed", "query", query, "results", len(results))
	return results, nil
}

func truncateForError(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
