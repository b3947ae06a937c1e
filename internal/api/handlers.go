package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docflow/internal/auth"
	"docflow/internal/documents"
	"docflow/internal/models"
	"docflow/internal/objectstore"
	"docflow/internal/ratelimit"
	"docflow/internal/retrieval"
	"docflow/internal/service/ai"
	"docflow/internal/service/conversation"
	"docflow/internal/service/ingest"
	"docflow/internal/worker"
)

// ObjectServer serves signed object downloads for the local object store.
type ObjectServer interface {
	VerifyToken(token string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *objectstore.Info, error)
}

// Deps are the services the HTTP surface is wired to.
type Deps struct {
	Auth          *auth.Service
	Ingest        *ingest.Service
	Assembler     *retrieval.Assembler
	Generator     ai.Generator
	Conversations *conversation.Service
	Limits        *ratelimit.Set
	Workers       *worker.Dispatcher
	Objects       ObjectServer
	DevMode       bool
	SecureCookies bool
	Log           *zap.Logger
}

// Handler wires HTTP routes to the document, chat and account services.
type Handler struct {
	auth          *auth.Service
	ingest        *ingest.Service
	assembler     *retrieval.Assembler
	generator     ai.Generator
	conversations *conversation.Service
	limits        *ratelimit.Set
	workers       *worker.Dispatcher
	objects       ObjectServer
	devMode       bool
	secure        bool
	log           *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		auth:          d.Auth,
		ingest:        d.Ingest,
		assembler:     d.Assembler,
		generator:     d.Generator,
		conversations: d.Conversations,
		limits:        d.Limits,
		workers:       d.Workers,
		objects:       d.Objects,
		devMode:       d.DevMode,
		secure:        d.SecureCookies,
		log:           log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.limits.Global.Middleware(clientKey(h.limits.Global)))
	router.GET("/healthz", h.health)
	if h.objects != nil {
		router.GET("/objects/*key", h.serveObject)
	}

	authMW := h.auth.Middleware()
	csrf := h.auth.CSRFMiddleware()
	uploadLimit := h.limits.Upload.Middleware(userKey(h.limits.Upload))
	chatLimit := h.limits.Chat.Middleware(userKey(h.limits.Chat))

	router.POST("/extract", authMW, csrf, uploadLimit, h.extractFile)

	api := router.Group("/api")
	users := api.Group("/users")
	users.POST("/register", h.limits.Auth.Middleware(clientKey(h.limits.Auth)), h.registerUser)
	users.POST("/login", h.limits.Auth.Middleware(clientKey(h.limits.Auth)), h.loginUser)
	users.POST("/logout", authMW, csrf, h.logoutUser)
	users.GET("/me", authMW, h.currentUser)

	approved := api.Group("")
	approved.Use(authMW, csrf, auth.RequireApproved())
	approved.GET("/documents", h.listDocuments)
	approved.POST("/documents", uploadLimit, h.uploadDocument)
	approved.PATCH("/documents/:id", h.updateDocument)
	approved.DELETE("/documents/:id", h.deleteDocument)
	approved.POST("/documents/url", h.documentURL)
	approved.POST("/documents/:id/reextract", uploadLimit, h.reextractDocument)

	approved.POST("/chat/stream", chatLimit, h.chat)

	approved.GET("/conversations", h.listConversations)
	approved.POST("/conversations", h.createConversation)
	approved.POST("/conversations/generate-title", h.generateTitle)
	approved.GET("/conversations/:id/messages", h.conversationMessages)
	approved.DELETE("/conversations/:id", h.deleteConversation)

	admin := api.Group("/admin")
	admin.Use(authMW, csrf, auth.RequireAdmin())
	admin.PATCH("/users/:id", h.updateUser)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.workers != nil {
		running, idle, queued := h.workers.Stats()
		body["workers"] = gin.H{"running": running, "idle": idle, "queued": queued}
	}
	c.JSON(http.StatusOK, body)
}

// userKey keys a limiter by the authenticated user; it must run after the
// auth middleware.
func userKey(l *ratelimit.Limiter) func(*gin.Context) (string, bool) {
	return func(c *gin.Context) (string, bool) {
		id, ok := auth.UserIDFromContext(c)
		if !ok {
			return "", false
		}
		return l.UserKey(id), true
	}
}

func clientKey(l *ratelimit.Limiter) func(*gin.Context) (string, bool) {
	return func(c *gin.Context) (string, bool) {
		return l.Key(c.ClientIP()), true
	}
}

func (h *Handler) currentViewer(c *gin.Context) (*models.User, documents.Viewer, bool) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return nil, documents.Viewer{}, false
	}
	return user, documents.Viewer{UserID: user.ID, IsAdmin: user.IsAdmin}, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// User create&login interface
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func userPayload(u *models.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"status":     u.Status,
		"is_admin":   u.IsAdmin,
		"created_at": u.CreatedAt,
	}
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userPayload(user))
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.auth.SetSessionCookies(c, authToken, h.secure); err != nil {
		h.respondError(c, err)
		return
	}
	body := userPayload(user)
	body["auth_token"] = authToken
	c.JSON(http.StatusOK, body)
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.log.Warn("revoke token failed", zap.Error(err))
		}
	}
	h.auth.ClearSessionCookies(c, h.secure)
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, userPayload(user))
}

func (h *Handler) updateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status  string `json:"status"`
		IsAdmin *bool  `json:"is_admin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	if status := strings.TrimSpace(req.Status); status != "" {
		switch models.UserStatus(status) {
		case models.StatusPending, models.StatusApproved, models.StatusRejected:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		if err := h.auth.SetStatus(ctx, id, models.UserStatus(status)); err != nil {
			h.respondError(c, err)
			return
		}
	}
	if req.IsAdmin != nil {
		if err := h.auth.SetAdmin(ctx, id, *req.IsAdmin); err != nil {
			h.respondError(c, err)
			return
		}
	}
	user, err := h.auth.User(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userPayload(user))
}
