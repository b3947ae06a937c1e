package ai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docflow/internal/models"
	"docflow/internal/ratelimit"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	ChunkSizeDefault = 1000
	ChunkSizeMin     = 500
	ChunkSizeMax     = 2000
)

type documentsContextKey struct{}

type turnDocuments struct {
	userID int64
	docs   []*models.Document
}

// WithDocuments makes the documents selected for a chat turn readable by
// the document reader tool.
func WithDocuments(ctx context.Context, userID int64, docs []*models.Document) context.Context {
	if len(docs) == 0 {
		return ctx
	}
	return context.WithValue(ctx, documentsContextKey{}, turnDocuments{userID: userID, docs: docs})
}

func documentsFromContext(ctx context.Context) (turnDocuments, bool) {
	td, ok := ctx.Value(documentsContextKey{}).(turnDocuments)
	return td, ok
}

type documentReader struct {
	limiter *ratelimit.Limiter
}

type documentReaderParams struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func newDocumentReader(limiter *ratelimit.Limiter) tool.InvokableTool {
	reader := &documentReader{limiter: limiter}
	info := &schema.ToolInfo{
		Name: "document_reader",
		Desc: "Read the documents attached to this question in chunks. Provide document_id (and optional chunk_index / chunk_size) to fetch one segment.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"document_id": {
				Desc:     "ID of the document, as listed in the document context.",
				Type:     schema.String,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index to read, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: "Characters per chunk (500 to 2000, default 1000).",
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (t *documentReader) run(ctx context.Context, params *documentReaderParams) (string, error) {
	if params == nil || params.DocumentID == "" {
		return "", errors.New("document_id is required")
	}
	td, ok := documentsFromContext(ctx)
	if !ok {
		return "", errors.New("no documents are attached to this question")
	}
	var target *models.Document
	for _, d := range td.docs {
		if d != nil && d.ID == params.DocumentID {
			target = d
			break
		}
	}
	if target == nil {
		return "", errors.New("document not attached to this question")
	}
	if t.limiter != nil && !t.limiter.Allow(ctx, t.limiter.Key(strconv.FormatInt(td.userID, 10))) {
		return "", errors.New("document reader rate limit exceeded, please retry in a minute")
	}
	return readChunk(target, params.ChunkIndex, params.ChunkSize), nil
}

func readChunk(doc *models.Document, chunkIndex, chunkSize int) string {
	text := strings.TrimSpace(doc.Content)
	if text == "" {
		return fmt.Sprintf("Document: %s has no readable text content.", doc.Title)
	}
	if chunkSize <= 0 || chunkSize > ChunkSizeMax {
		chunkSize = ChunkSizeDefault
	}
	if chunkSize < ChunkSizeMin {
		chunkSize = ChunkSizeMin
	}
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("Document: %s\nChunk %d/%d\n\n%s", doc.Title, chunkIndex+1, totalChunks, string(runes[start:end]))
}
