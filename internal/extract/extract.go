// Package extract turns uploaded files into plain text. Each supported
// format family has a stateless Extractor; the Dispatcher selects one by
// declared content type and degrades to synthesized text when extraction
// fails or yields too little.
package extract

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoExtractor means the declared content type has no registered
	// extractor. It is a dispatch failure and is surfaced to the caller.
	ErrNoExtractor = errors.New("no extractor available for content type")

	ErrMalformedDocument = errors.New("malformed document")
	ErrOCREngine         = errors.New("ocr engine failure")
)

// Kind is a supported content-type family.
type Kind int

const (
	KindUnknown Kind = iota
	KindPDF
	KindDocument
	KindImage
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindPDF:
		return "pdf"
	case KindDocument:
		return "document"
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Metadata is format specific; unused fields stay zero.
type Metadata struct {
	Pages          int      `json:"pages,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Fallback       bool     `json:"fallback"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
}

// Output is what an Extractor produces.
type Output struct {
	Text     string
	Metadata Metadata
}

// Extractor converts one readable file into text.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Output, error)
}

// File describes an uploaded file sitting in scratch space.
type File struct {
	Path       string
	Name       string
	Size       int64
	UploadedAt time.Time
}

// Result is the immutable outcome of a dispatch.
type Result struct {
	Kind     Kind
	Text     string
	Metadata Metadata
	Duration time.Duration
}
