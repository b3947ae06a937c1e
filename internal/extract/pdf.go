package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads the text layer of a PDF.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

func (PDFExtractor) Extract(_ context.Context, path string) (*Output, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", ErrMalformedDocument, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf text: %v", ErrMalformedDocument, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return nil, fmt.Errorf("%w: read pdf text: %v", ErrMalformedDocument, err)
	}

	meta := Metadata{Pages: r.NumPage()}
	text := normalizeWhitespace(buf.String())
	if text == "" && meta.Pages > 0 {
		meta.Warnings = append(meta.Warnings, "pdf has no text layer, pages may be scanned images")
	}
	return &Output{Text: text, Metadata: meta}, nil
}
