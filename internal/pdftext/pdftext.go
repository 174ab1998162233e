// Package pdftext extracts plain text from PDF page ranges, grounding C4's
// "extract the text of the target page" and C8's page-sampling/batching
// steps on a single shared implementation.
package pdftext

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// Extractor pulls per-page text out of a PDF byte stream.
type Extractor interface {
	// PageCount reports the number of pages in data.
	PageCount(data []byte) (int, error)
	// PageText returns the plain text of the 1-indexed page.
	PageText(data []byte, page int) (string, error)
	// PagesText returns plain text for each page in [from, to], inclusive,
	// 1-indexed, in page order.
	PagesText(data []byte, from, to int) ([]string, error)
}

// LedongthucExtractor implements Extractor on github.com/ledongthuc/pdf.
type LedongthucExtractor struct{}

// New returns the default Extractor.
func New() Extractor { return LedongthucExtractor{} }

func (LedongthucExtractor) open(data []byte) (*pdf.Reader, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "pdftext: open")
	}
	return r, nil
}

func (e LedongthucExtractor) PageCount(data []byte) (int, error) {
	r, err := e.open(data)
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}

func (e LedongthucExtractor) PageText(data []byte, page int) (string, error) {
	r, err := e.open(data)
	if err != nil {
		return "", err
	}
	if page < 1 || page > r.NumPage() {
		return "", eris.Errorf("pdftext: page %d out of range [1,%d]", page, r.NumPage())
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", eris.Wrapf(err, "pdftext: extract page %d", page)
	}
	return strings.TrimSpace(text), nil
}

func (e LedongthucExtractor) PagesText(data []byte, from, to int) ([]string, error) {
	r, err := e.open(data)
	if err != nil {
		return nil, err
	}
	if from < 1 || to > r.NumPage() || from > to {
		return nil, eris.Errorf("pdftext: range [%d,%d] out of bounds for %d pages", from, to, r.NumPage())
	}
	out := make([]string, 0, to-from+1)
	for page := from; page <= to; page++ {
		p := r.Page(page)
		if p.V.IsNull() {
			out = append(out, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, eris.Wrapf(err, "pdftext: extract page %d", page)
		}
		out = append(out, strings.TrimSpace(text))
	}
	return out, nil
}
