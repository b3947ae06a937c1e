// Package retrieval turns the documents a user picked into chat context.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"docflow/internal/documents"
	"docflow/internal/models"

	"go.uber.org/zap"
)

const (
	MaxDocuments      = 10
	minContentLength  = 20
	maxExcerptLength  = 300
	matchScore        = 0.8
	fallbackScore     = 0.85
	attachmentPreface = "The user is referring to attached document(s). " +
		"Answer from the documents below and say so if none are available or the answer is not in them."
)

var attachmentKeywords = []string{"attachment", "document", "file", "pdf", "doc", "uploaded"}

// Source attributes part of an answer to a document.
type Source struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

// Bundle is the assembled context for one chat turn. Documents holds the
// readable records in request order.
type Bundle struct {
	Context   string             `json:"context"`
	Sources   []Source           `json:"sources"`
	Documents []*models.Document `json:"-"`
}

// Fetcher loads readable documents in the given order.
type Fetcher interface {
	GetMany(ctx context.Context, v documents.Viewer, ids []string, limit int) ([]*models.Document, error)
}

// Scorer ranks documents against a query. The substring scorer is a
// stand-in for a real search backend.
type Scorer interface {
	Score(ctx context.Context, query string, docs []*models.Document) ([]Source, error)
}

type Assembler struct {
	fetcher Fetcher
	scorer  Scorer
	log     *zap.Logger
}

func NewAssembler(fetcher Fetcher, scorer Scorer, log *zap.Logger) *Assembler {
	if scorer == nil {
		scorer = SubstringScorer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{fetcher: fetcher, scorer: scorer, log: log}
}

// Assemble builds the context for query from documentIDs, keeping their
// order. Documents without enough text are replaced by a note in their
// position. The attachment preface depends only on the query. Only a fetch
// failure is returned; a failing scorer leaves the source list empty.
func (a *Assembler) Assemble(ctx context.Context, v documents.Viewer, query string, documentIDs []string) (*Bundle, error) {
	bundle := &Bundle{Sources: []Source{}}
	var docs []*models.Document
	if len(documentIDs) > 0 {
		var err error
		docs, err = a.fetcher.GetMany(ctx, v, documentIDs, MaxDocuments)
		if err != nil {
			return nil, fmt.Errorf("fetch documents: %w", err)
		}
	}
	bundle.Documents = docs

	parts := make([]string, 0, len(docs)+1)
	if mentionsAttachment(query) {
		parts = append(parts, attachmentPreface)
	}
	for _, doc := range docs {
		if hasSufficientContent(doc) {
			parts = append(parts, fmt.Sprintf("=== Document: %s ===\n%s\n=== End of %s ===",
				doc.Title, strings.TrimSpace(doc.Content), doc.Title))
			continue
		}
		parts = append(parts, fmt.Sprintf("[Document %q has no readable text content. It may be a scanned image or an empty file.]", doc.Title))
	}
	bundle.Context = strings.Join(parts, "\n\n")
	if len(docs) == 0 {
		return bundle, nil
	}

	sources, err := a.scorer.Score(ctx, query, docs)
	if err != nil {
		a.log.Warn("source scoring failed, continuing without sources", zap.Error(err))
		return bundle, nil
	}
	if sources != nil {
		bundle.Sources = sources
	}
	return bundle, nil
}

func hasSufficientContent(doc *models.Document) bool {
	return len([]rune(strings.TrimSpace(doc.Content))) > minContentLength
}

func mentionsAttachment(query string) bool {
	q := strings.ToLower(query)
	for _, kw := range attachmentKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// SubstringScorer attributes documents whose body contains the query,
// case-insensitively. With no match, every document with content is listed.
type SubstringScorer struct{}

func (SubstringScorer) Score(_ context.Context, query string, docs []*models.Document) ([]Source, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	sources := make([]Source, 0, len(docs))
	if q != "" {
		for _, doc := range docs {
			if strings.Contains(strings.ToLower(doc.Content), q) {
				sources = append(sources, newSource(doc, matchScore))
			}
		}
	}
	if len(sources) > 0 {
		return sources, nil
	}
	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) != "" {
			sources = append(sources, newSource(doc, fallbackScore))
		}
	}
	return sources, nil
}

func newSource(doc *models.Document, score float64) Source {
	return Source{DocumentID: doc.ID, Title: doc.Title, Excerpt: excerpt(doc.Content), Score: score}
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	r := []rune(content)
	if len(r) <= maxExcerptLength {
		return content
	}
	return string(r[:maxExcerptLength]) + "..."
}
