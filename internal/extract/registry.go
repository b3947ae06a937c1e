package extract

import (
	"context"
	"mime"
	"strings"

	"docflow/internal/ocr"
)

var contentTypeKinds = map[string]Kind{
	"application/pdf":   KindPDF,
	"application/x-pdf": KindPDF,

	"application/msword": KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDocument,

	"image/jpeg": KindImage,
	"image/jpg":  KindImage,
	"image/png":  KindImage,
	"image/gif":  KindImage,
	"image/bmp":  KindImage,
	"image/tiff": KindImage,
	"image/webp": KindImage,

	"text/plain":       KindText,
	"text/markdown":    KindText,
	"text/csv":         KindText,
	"application/json": KindText,
}

// KindOf maps a declared content type (parameters allowed) to its family.
func KindOf(contentType string) Kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	return contentTypeKinds[strings.ToLower(mediaType)]
}

// Supported reports whether a content type can be dispatched.
func Supported(contentType string) bool {
	return KindOf(contentType) != KindUnknown
}

// NewDefault builds a dispatcher with every built-in extractor registered.
// A nil engine leaves images routed to an extractor that always fails, so
// uploads still degrade to fallback text.
func NewDefault(ctx context.Context, engine ocr.Engine, filterWords bool, minConfidence float64, opts ...Option) (*Dispatcher, error) {
	text, err := NewTextExtractor(ctx)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithExtractor(KindPDF, NewPDFExtractor()),
		WithExtractor(KindDocument, NewDocumentExtractor()),
		WithExtractor(KindImage, NewImageExtractor(engine, filterWords, minConfidence)),
		WithExtractor(KindText, text),
	}
	return NewDispatcher(append(base, opts...)...), nil
}
