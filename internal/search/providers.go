package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NewsAPI implements Provider against a NewsAPI-compatible /v2/everything
// endpoint, used by the "news" profile (spec.md §4.5).
type NewsAPI struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (n *NewsAPI) Name() string { return "newsapi" }

func (n *NewsAPI) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if n.BaseURL == "" {
		return nil, fmt.Errorf("missing newsapi base url")
	}
	if limit <= 0 {
		limit = 10
	}
	u, err := url.Parse(strings.TrimRight(n.BaseURL, "/") + "/v2/everything")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("sortBy", "publishedAt")
	if n.APIKey != "" {
		q.Set("apiKey", n.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	hc := n.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("newsapi status: %d", resp.StatusCode)
	}

	var body struct {
		Articles []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PublishedAt string `json:"publishedAt"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(body.Articles))
	for _, a := range body.Articles {
		if a.URL == "" || a.Title == "" {
			continue
		}
		out = append(out, Result{
			Title:       strings.TrimSpace(a.Title),
			URL:         strings.TrimSpace(a.URL),
			Snippet:     strings.TrimSpace(a.Description),
			Source:      n.Name(),
			PublishedAt: a.PublishedAt,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SemanticScholar implements Provider against the Semantic Scholar Graph API,
// used by the "academic" profile (spec.md §4.5).
type SemanticScholar struct {
	BaseURL    string // defaults to api.semanticscholar.org
	APIKey     string
	HTTPClient *http.Client
}

func (s *SemanticScholar) Name() string { return "semanticscholar" }

func (s *SemanticScholar) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	base := s.BaseURL
	if base == "" {
		base = "https://api.semanticscholar.org"
	}
	if limit <= 0 {
		limit = 10
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/graph/v1/paper/search")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", "title,abstract,url,year")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		req.Header.Set("x-api-key", s.APIKey)
	}
	hc := s.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("semanticscholar status: %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Title    string `json:"title"`
			Abstract string `json:"abstract"`
			URL      string `json:"url"`
			Year     int    `json:"year"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(body.Data))
	for _, p := range body.Data {
		if p.URL == "" || p.Title == "" {
			continue
		}
		published := ""
		if p.Year > 0 {
			published = strconv.Itoa(p.Year) + "-01-01T00:00:00Z"
		}
		out = append(out, Result{
			Title:       strings.TrimSpace(p.Title),
			URL:         strings.TrimSpace(p.URL),
			Snippet:     strings.TrimSpace(p.Abstract),
			Source:      s.Name(),
			PublishedAt: published,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
