package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docflow/internal/apperr"
	"docflow/internal/auth"
	"docflow/internal/documents"
	"docflow/internal/extract"
	"docflow/internal/lifecycle"
	"docflow/internal/service/conversation"
	"docflow/internal/worker"
)

// classify maps err to its kind and the message shown to the caller.
func classify(err error) (apperr.Kind, string) {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Kind, ae.Message
	}
	switch {
	case errors.Is(err, extract.ErrNoExtractor):
		return apperr.KindNoExtractor, "unsupported file type"
	case errors.Is(err, lifecycle.ErrTooLarge):
		return apperr.KindValidation, "file too large"
	case errors.Is(err, documents.ErrNotFound):
		return apperr.KindNotFound, "document not found"
	case errors.Is(err, conversation.ErrNotFound):
		return apperr.KindNotFound, "conversation not found"
	case errors.Is(err, auth.ErrUserNotFound):
		return apperr.KindNotFound, "user not found"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apperr.KindAuthentication, "invalid email or password"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenRequired):
		return apperr.KindAuthentication, "invalid or expired token"
	case errors.Is(err, auth.ErrEmailTaken):
		return apperr.KindValidation, "email already registered"
	case errors.Is(err, auth.ErrInvalidEmail):
		return apperr.KindValidation, "invalid email"
	case errors.Is(err, auth.ErrWeakPassword):
		return apperr.KindValidation, "password too short"
	case errors.Is(err, worker.ErrQueueFull):
		return apperr.KindRateLimited, "server is busy, please retry"
	case errors.Is(err, lifecycle.ErrStorageWrite), errors.Is(err, lifecycle.ErrStorageRead):
		return apperr.KindInternal, "storage failure"
	case errors.Is(err, lifecycle.ErrMetadataPersist):
		return apperr.KindInternal, "failed to save document"
	}
	if ae != nil {
		return ae.Kind, http.StatusText(ae.Kind.Status())
	}
	return apperr.KindInternal, "internal server error"
}

func errorLabel(kind apperr.Kind) string {
	switch kind {
	case apperr.KindValidation:
		return "validation error"
	case apperr.KindAuthentication:
		return "authentication required"
	case apperr.KindAuthorization:
		return "forbidden"
	case apperr.KindNotFound:
		return "not found"
	case apperr.KindRateLimited:
		return "too many requests"
	case apperr.KindNoExtractor:
		return "unsupported file type"
	default:
		return "internal error"
	}
}

// respondError writes {error, message}. Internal failures are logged and
// only carry the error chain in dev mode.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind, msg := classify(err)
	status := kind.Status()
	body := gin.H{"error": errorLabel(kind), "message": msg}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	if h.devMode {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
