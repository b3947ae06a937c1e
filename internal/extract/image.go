package extract

import (
	"context"
	"fmt"
	"strings"

	"docflow/internal/ocr"
)

// DefaultMinConfidence is the word confidence (percent) below which the
// optional filter drops recognized words.
const DefaultMinConfidence = 30.0

// ImageExtractor recognizes text in images through an OCR engine.
type ImageExtractor struct {
	engine        ocr.Engine
	filterWords   bool
	minConfidence float64
}

func NewImageExtractor(engine ocr.Engine, filterWords bool, minConfidence float64) *ImageExtractor {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &ImageExtractor{engine: engine, filterWords: filterWords, minConfidence: minConfidence}
}

func (e *ImageExtractor) Extract(ctx context.Context, path string) (*Output, error) {
	if e.engine == nil {
		return nil, fmt.Errorf("%w: %v", ErrOCREngine, ocr.ErrNotConfigured)
	}
	rec, err := e.engine.Recognize(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCREngine, err)
	}

	out := &Output{
		Text:     strings.TrimSpace(rec.Text),
		Metadata: Metadata{Confidence: rec.Confidence},
	}
	if !e.filterWords {
		return out, nil
	}
	filtered, kept := filterLowConfidence(rec.Words, e.minConfidence)
	switch {
	case filtered == "":
		out.Metadata.Warnings = append(out.Metadata.Warnings,
			fmt.Sprintf("no words reached %.0f%% confidence, keeping unfiltered text", e.minConfidence))
	case kept < len(rec.Words):
		out.Text = filtered
		out.Metadata.Warnings = append(out.Metadata.Warnings,
			fmt.Sprintf("dropped %d of %d words under %.0f%% confidence", len(rec.Words)-kept, len(rec.Words), e.minConfidence))
	}
	return out, nil
}

func filterLowConfidence(words []ocr.Word, min float64) (string, int) {
	kept := make([]string, 0, len(words))
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" || w.Confidence < min {
			continue
		}
		kept = append(kept, text)
	}
	return strings.Join(kept, " "), len(kept)
}
