// Package promptctx builds the system context that precedes a prompt: the
// text of a PDF, web search results, or nothing.
package promptctx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/youruser/quill/internal/llm"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/search"
)

var log = logging.Get()

const (
	pdfPreamble = "Answer using the document below. Base your answer on its text and " +
		"cite the page numbers you rely on, for example (Page 3).\n\n"
	searchPreamble = "Answer using the web search results below. " +
		"Cite the URLs of the sources you rely on.\n\n"
)

// Request is what the context is assembled for.
type Request struct {
	Prompt        string
	PDF           []byte // Raw PDF bytes; nil when no document is attached
	SearchEnabled bool
}

// Assembler produces the context messages for a request.
type Assembler struct {
	Pages PageExtractor
	// Searcher is only called when a search is actually needed, so a
	// missing search credential never fails a PDF or plain request.
	Searcher func() (search.Searcher, error)
	// SearchTimeout bounds the search request when positive.
	SearchTimeout time.Duration
}

// Assemble returns zero or one system message. A PDF always takes
// precedence over search.
func (a *Assembler) Assemble(ctx context.Context, req Request) ([]llm.Message, error) {
	switch {
	case req.PDF != nil:
		pages, err := a.Pages.Pages(req.PDF)
		if err != nil {
			return nil, err
		}
		log.Debug("context: %d PDF pages", len(pages))
		return []llm.Message{{Role: llm.RoleSystem, Content: pdfPreamble + FormatPages(pages)}}, nil

	case req.SearchEnabled:
		s, err := a.Searcher()
		if err != nil {
			return nil, err
		}
		results, err := a.search(ctx, s, req.Prompt)
		if err != nil {
			return nil, err
		}
		log.Debug("context: %d search results", len(results))
		body, err := FormatResults(results)
		if err != nil {
			return nil, err
		}
		return []llm.Message{{Role: llm.RoleSystem, Content: searchPreamble + body}}, nil
	}
	return nil, nil
}

func (a *Assembler) search(ctx context.Context, s search.Searcher, query string) ([]search.Result, error) {
	if a.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.SearchTimeout)
		defer cancel()
	}
	return s.Search(ctx, query)
}

// FormatPages renders one "Page n: text" line per page with whitespace runs
// collapsed.
func FormatPages(pages []string) string {
	var sb strings.Builder
	for i, p := range pages {
		fmt.Fprintf(&sb, "Page %d: %s\n", i+1, strings.Join(strings.Fields(p), " "))
	}
	return sb.String()
}

// FormatResults renders search results as indented JSON.
func FormatResults(results []search.Result) (string, error) {
	if results == nil {
		results = []search.Result{}
	}
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
