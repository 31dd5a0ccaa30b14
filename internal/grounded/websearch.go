package grounded

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTimeout      = 30 * time.Second
	braveDefaultBase   = "https://api.search.brave.com/res/v1"
)

// WebResult is one hit from the search backend.
type WebResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SearchProvider abstracts the web search backend the model is allowed
// to call as a tool.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]WebResult, error)
	Name() string
}

// BraveProvider queries the Brave Search API.
type BraveProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewBraveProvider(apiKey, baseURL string) *BraveProvider {
	if baseURL == "" {
		baseURL = braveDefaultBase
	}
	return &BraveProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: searchTimeout},
	}
}

func (p *BraveProvider) Name() string { return "brave" }

func (p *BraveProvider) Search(ctx context.Context, query string, count int) ([]WebResult, error) {
	if count <= 0 {
		count = defaultSearchCount
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d", resp.StatusCode)
	}

	var braveResp struct {
		Web struct {
			Results []WebResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return braveResp.Web.Results, nil
}
