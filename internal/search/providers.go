package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/youruser/quill/internal/apperr"
)

type bing struct{ httpSearch }

func (b *bing) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{"q": {query}, "count": {strconv.Itoa(b.opts.Count)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/v7.0/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.opts.APIKey)

	var resp struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := b.do(req, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.WebPages.Value))
	for _, v := range resp.WebPages.Value {
		results = append(results, Result{Title: plainText(v.Name), URL: v.URL, Snippet: plainText(v.Snippet)})
	}
	return trim(results, b.opts.Count), nil
}

type you struct{ httpSearch }

func (y *you) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{"query": {query}, "num_web_results": {strconv.Itoa(y.opts.Count)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.base+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	req.Header.Set("X-API-Key", y.opts.APIKey)

	var resp struct {
		Hits []struct {
			Title       string   `json:"title"`
			URL         string   `json:"url"`
			Description string   `json:"description"`
			Snippets    []string `json:"snippets"`
		} `json:"hits"`
	}
	if err := y.do(req, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		snippet := h.Description
		if len(h.Snippets) > 0 {
			snippet = strings.Join(h.Snippets, " ")
		}
		results = append(results, Result{Title: plainText(h.Title), URL: h.URL, Snippet: plainText(snippet)})
	}
	return trim(results, y.opts.Count), nil
}

type tavily struct{ httpSearch }

func (t *tavily) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":     t.opts.APIKey,
		"query":       query,
		"max_results": t.opts.Count,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{Title: plainText(r.Title), URL: r.URL, Snippet: plainText(r.Content)})
	}
	return trim(results, t.opts.Count), nil
}
