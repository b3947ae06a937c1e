package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docflow/internal/models"
	"docflow/internal/retrieval"
	"docflow/internal/service/ai"
)

const generateTimeout = 2 * time.Minute

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	DocumentIDs    []string      `json:"documentIds"`
	ConversationID int64         `json:"conversationId"`
	Stream         bool          `json:"stream"`
}

func toModelMessages(in []chatMessage) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(in))
	for _, m := range in {
		role := models.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		switch role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		case "":
			role = models.RoleUser
		default:
			return nil, fmt.Errorf("unknown role %q", m.Role)
		}
		out = append(out, &models.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

// lastUserMessage is the query the context is assembled for.
func lastUserMessage(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}

func (h *Handler) chat(c *gin.Context) {
	user, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "invalid request body"})
		return
	}
	history, err := toModelMessages(req.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": err.Error()})
		return
	}
	query := lastUserMessage(history)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "a user message is required"})
		return
	}

	ctx := c.Request.Context()
	if req.ConversationID > 0 {
		if _, err := h.conversations.Get(ctx, user.ID, req.ConversationID); err != nil {
			h.respondError(c, err)
			return
		}
	}

	bundle, err := h.assembler.Assemble(ctx, viewer, query, req.DocumentIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}

	genCtx, cancel := context.WithTimeout(ai.WithDocuments(ctx, user.ID, bundle.Documents), generateTimeout)
	defer cancel()

	if req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamChat(genCtx, c, user.ID, req.ConversationID, query, history, bundle)
		return
	}

	reply, err := h.generator.Generate(genCtx, history, bundle.Context, nil)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.recordTurn(ctx, user.ID, req.ConversationID, query, reply.Content)
	c.JSON(http.StatusOK, gin.H{
		"response": reply.Content,
		"sources":  bundle.Sources,
	})
}

// streamChat sends the reply as server-sent events: "sources" first, one
// "stream" event per chunk, then "done" or "error".
func (h *Handler) streamChat(ctx context.Context, c *gin.Context, userID, conversationID int64, query string, history []*models.Message, bundle *retrieval.Bundle) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "message": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("sources", gin.H{"sources": bundle.Sources}); err != nil {
		return
	}
	reply, err := h.generator.Generate(ctx, history, bundle.Context, func(chunk string) error {
		return sendEvent("stream", gin.H{"content": chunk})
	})
	if err != nil {
		h.log.Warn("chat generation failed", zap.Int64("user_id", userID), zap.Error(err))
		_, msg := classify(err)
		_ = sendEvent("error", gin.H{"message": msg})
		return
	}
	h.recordTurn(c.Request.Context(), userID, conversationID, query, reply.Content)
	_ = sendEvent("done", gin.H{"response": reply.Content, "sources": bundle.Sources})
}

// recordTurn appends the question and reply to a conversation. Failures are
// logged; the caller already has the reply.
func (h *Handler) recordTurn(ctx context.Context, userID, conversationID int64, question, reply string) {
	if conversationID <= 0 {
		return
	}
	for _, m := range []models.Message{
		{ConversationID: conversationID, Role: models.RoleUser, Content: question},
		{ConversationID: conversationID, Role: models.RoleAssistant, Content: reply},
	} {
		if _, err := h.conversations.AddMessage(ctx, userID, m); err != nil {
			h.log.Error("store chat message failed",
				zap.Int64("conversation_id", conversationID), zap.Error(err))
			return
		}
	}
}

func (h *Handler) listConversations(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	list, err := h.conversations.List(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) createConversation(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "invalid request body"})
			return
		}
	}
	conv, err := h.conversations.Create(c.Request.Context(), user.ID, req.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *Handler) generateTitle(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	var req struct {
		ConversationID int64         `json:"conversationId"`
		Messages       []chatMessage `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "conversationId is required"})
		return
	}
	history, err := toModelMessages(req.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": err.Error()})
		return
	}
	title, err := h.conversations.GenerateTitle(c.Request.Context(), user.ID, req.ConversationID, history)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

func (h *Handler) conversationMessages(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	msgs, err := h.conversations.Messages(c.Request.Context(), user.ID, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), user.ID, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
