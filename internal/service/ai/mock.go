package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docflow/internal/models"
)

// MockGenerator answers without a model. It is the default provider so the
// service runs without API keys.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (MockGenerator) Generate(ctx context.Context, history []*models.Message, docContext string, onChunk func(string) error) (*models.Message, error) {
	var question string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == models.RoleUser {
			question = strings.TrimSpace(history[i].Content)
			break
		}
	}
	reply := fmt.Sprintf("You asked: %q.", question)
	if docContext != "" {
		reply += fmt.Sprintf(" I have %d characters of document context to work with.", len([]rune(docContext)))
	} else {
		reply += " No documents were selected for this question."
	}

	if onChunk != nil {
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := onChunk(w); err != nil {
				return nil, err
			}
		}
	}
	return &models.Message{Role: models.RoleAssistant, Content: reply, CreatedAt: time.Now().UTC()}, nil
}
