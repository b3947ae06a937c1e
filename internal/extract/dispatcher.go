package extract

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// MinTextLength is the number of trimmed characters an extraction must
// reach to be kept; shorter output is replaced by the fallback text.
const MinTextLength = 50

// Dispatcher selects an Extractor by declared content type.
type Dispatcher struct {
	extractors map[Kind]Extractor
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Dispatcher)

// WithTimeout bounds every extraction call.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) { ds.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(ds *Dispatcher) {
		if l != nil {
			ds.log = l
		}
	}
}

// WithExtractor registers (or replaces) the extractor for a kind.
func WithExtractor(k Kind, e Extractor) Option {
	return func(ds *Dispatcher) { ds.extractors[k] = e }
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		extractors: make(map[Kind]Extractor),
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Extract converts file into text. Only dispatch failures are returned as
// errors (ErrNoExtractor); any extractor failure or too-short output yields
// a Result holding synthesized fallback text.
func (d *Dispatcher) Extract(ctx context.Context, file File, declaredContentType string) (*Result, error) {
	kind := KindOf(declaredContentType)
	ex, ok := d.extractors[kind]
	if kind == KindUnknown || !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoExtractor, declaredContentType)
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = d.now()
	}

	start := time.Now()
	out, err := d.run(ctx, ex, file.Path)
	elapsed := time.Since(start)

	if err != nil {
		d.log.Warn("extraction failed, using fallback text",
			zap.String("file", file.Name), zap.String("kind", kind.String()), zap.Error(err))
		return &Result{
			Kind: kind,
			Text: fallbackText(file, declaredContentType, failedNote(err)),
			Metadata: Metadata{
				Fallback:       true,
				FallbackReason: "extraction_failed",
				Warnings:       []string{err.Error()},
			},
			Duration: elapsed,
		}, nil
	}

	trimmed := strings.TrimSpace(out.Text)
	if n := utf8.RuneCountInString(trimmed); n < MinTextLength {
		d.log.Info("extracted text too short, using fallback text",
			zap.String("file", file.Name), zap.Int("chars", n))
		meta := out.Metadata
		meta.Fallback = true
		meta.FallbackReason = "too_short"
		return &Result{
			Kind:     kind,
			Text:     fallbackText(file, declaredContentType, tooShortNote(n)),
			Metadata: meta,
			Duration: elapsed,
		}, nil
	}

	return &Result{Kind: kind, Text: out.Text, Metadata: out.Metadata, Duration: elapsed}, nil
}

// run isolates the extractor: a deadline when configured, and panics from
// third-party parsers on hostile input become errors.
func (d *Dispatcher) run(ctx context.Context, ex Extractor, path string) (*Output, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type reply struct {
		out *Output
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("%w: parser panic: %v", ErrMalformedDocument, r)}
			}
		}()
		o, e := ex.Extract(ctx, path)
		done <- reply{out: o, err: e}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.out == nil {
			return nil, fmt.Errorf("%w: extractor returned no output", ErrMalformedDocument)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("extraction aborted: %w", ctx.Err())
	}
}

func failedNote(err error) string {
	return fmt.Sprintf("Text extraction failed (%v). The original file is stored and can be downloaded, but its contents could not be read as text.", err)
}

func tooShortNote(chars int) string {
	return fmt.Sprintf("The extracted text was too short to be useful (%d characters). The file may be mostly images, scanned pages, or empty.", chars)
}

func fallbackText(file File, contentType, note string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", file.Name)
	fmt.Fprintf(&b, "Type: %s\n", contentType)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(file.Size))
	fmt.Fprintf(&b, "Uploaded: %s\n\n", file.UploadedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Note: %s", note)
	return b.String()
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%d bytes (%.2f MB)", n, float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%d bytes (%.2f KB)", n, float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
