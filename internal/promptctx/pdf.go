package promptctx

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/youruser/quill/internal/apperr"
)

// PageExtractor returns the plain text of every page of a document, in
// page order.
type PageExtractor interface {
	Pages(data []byte) ([]string, error)
}

// PDFExtractor reads PDF pages with ledongthuc/pdf.
type PDFExtractor struct{}

func (PDFExtractor) Pages(data []byte) (pages []string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("%w: unreadable PDF: %v", apperr.ErrInvalidInput, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable PDF: %v", apperr.ErrInvalidInput, err)
	}

	total := r.NumPage()
	pages = make([]string, 0, total)
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			log.Warn("pdf: page %d has no extractable text: %v", i, err)
			text = ""
		}
		pages = append(pages, text)
	}
	return pages, nil
}
