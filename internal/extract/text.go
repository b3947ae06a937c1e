package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// TextExtractor loads plain text files through the eino file loader.
type TextExtractor struct {
	loader *file.FileLoader
}

func NewTextExtractor(ctx context.Context) (*TextExtractor, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("text parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("text loader: %w", err)
	}
	return &TextExtractor{loader: loader}, nil
}

func (e *TextExtractor) Extract(ctx context.Context, path string) (*Output, error) {
	docs, err := e.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return nil, fmt.Errorf("load text file: %w", err)
	}
	var b strings.Builder
	for _, doc := range docs {
		if doc == nil || doc.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(doc.Content)
	}
	text := b.String()
	var meta Metadata
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
		meta.Warnings = append(meta.Warnings, "invalid UTF-8 sequences replaced")
	}
	return &Output{Text: text, Metadata: meta}, nil
}

// normalizeWhitespace trims every line and collapses runs of blank lines.
func normalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
