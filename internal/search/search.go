// Package search queries a web search provider for context snippets.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/logging"
)

var log = logging.Get()

// Supported engines.
const (
	EngineBing   = "bing"
	EngineYou    = "you"
	EngineTavily = "tavily"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher returns results for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Options configures a provider.
type Options struct {
	Engine     string
	APIKey     string
	BaseURL    string // Empty means the engine's public endpoint
	Count      int
	HTTPClient *http.Client
}

var defaultBaseURLs = map[string]string{
	EngineBing:   "https://api.bing.microsoft.com",
	EngineYou:    "https://api.ydc-index.io",
	EngineTavily: "https://api.tavily.com",
}

// New returns the provider for opts.Engine. A missing key is reported here,
// before any request.
func New(opts Options) (Searcher, error) {
	base, ok := defaultBaseURLs[opts.Engine]
	if !ok {
		return nil, fmt.Errorf("%w: unknown search engine %q", apperr.ErrInvalidInput, opts.Engine)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: search_api_key is not set", apperr.ErrMissingCredential)
	}
	if opts.BaseURL != "" {
		base = opts.BaseURL
	}
	if opts.Count <= 0 {
		opts.Count = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	h := httpSearch{base: strings.TrimSuffix(base, "/"), opts: opts}
	switch opts.Engine {
	case EngineBing:
		return &bing{h}, nil
	case EngineYou:
		return &you{h}, nil
	default:
		return &tavily{h}, nil
	}
}

// httpSearch holds what every provider needs to make a request.
type httpSearch struct {
	base string
	opts Options
}

func (h httpSearch) do(req *http.Request, out any) error {
	log.Debug("search %s %s", req.Method, req.URL.Redacted())
	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSearchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Error("search %s returned %d: %s", h.opts.Engine, resp.StatusCode, string(body))
		return fmt.Errorf("%w: %s returned %d", apperr.ErrSearchFailed, h.opts.Engine, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", apperr.ErrSearchFailed, h.opts.Engine, err)
	}
	return nil
}

// plainText strips markup from a snippet and collapses whitespace.
func plainText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func trim(results []Result, n int) []Result {
	if len(results) > n {
		return results[:n]
	}
	return results
}
