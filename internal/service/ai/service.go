// Package ai generates chat replies with an eino chat model, optionally
// wrapped in a react agent that can page through the selected documents.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"docflow/internal/config"
	"docflow/internal/models"
	"docflow/internal/ratelimit"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const systemPrompt = "You are a helpful assistant for a document workspace. " +
	"When document context is provided, ground your answer in it and mention which document you used. " +
	"If the answer is not in the documents, say so."

// Generator produces the assistant reply for a conversation. onChunk, when
// set, receives each streamed piece of the reply.
type Generator interface {
	Generate(ctx context.Context, history []*models.Message, docContext string, onChunk func(string) error) (*models.Message, error)
}

type aiService struct {
	aiModel model.ToolCallingChatModel
	agent   *react.Agent
	log     *zap.Logger
}

// NewGenerator builds the generator for provider. "mock" needs no
// configuration; openai, claude and gemini read their provider block.
// toolLimiter, when set, enables the document reader tool.
func NewGenerator(ctx context.Context, provider string, providers map[string]config.ProviderConfig, toolLimiter *ratelimit.Limiter, log *zap.Logger) (Generator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if provider == "" || provider == "mock" {
		return NewMockGenerator(), nil
	}
	provCfg, ok := providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s has no api key", provider)
	}
	chatModel, err := newChatModel(ctx, provider, provCfg)
	if err != nil {
		return nil, err
	}

	svc := &aiService{aiModel: chatModel, log: log}
	if toolLimiter != nil {
		reader := newDocumentReader(toolLimiter)
		svc.agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig:      compose.ToolsNodeConfig{Tools: []tool.BaseTool{reader}},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	return svc, nil
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// Generate streams the reply and returns it as one assistant message.
func (s *aiService) Generate(ctx context.Context, history []*models.Message, docContext string, onChunk func(string) error) (*models.Message, error) {
	if len(history) == 0 {
		return nil, errors.New("at least one message is required")
	}
	messages := convertMessages(history, docContext)

	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if s.agent != nil {
		streamReader, err = s.agent.Stream(ctx, messages)
	} else {
		streamReader, err = s.aiModel.Stream(ctx, messages)
	}
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return nil, err
			}
		}
	}
	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   full.String(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func convertMessages(history []*models.Message, docContext string) []*schema.Message {
	prompt := systemPrompt
	if docContext != "" {
		prompt += "\n\nDocument context:\n" + docContext
	}
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: prompt})
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	return messages
}
