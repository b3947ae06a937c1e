package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docflow/internal/objectstore"
	"docflow/internal/service/ingest"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

// openUpload reads the "file" form field. The returned closer must be
// called once the upload has been consumed.
func (h *Handler) openUpload(c *gin.Context) (ingest.Upload, func(), bool) {
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "invalid multipart form"})
		return ingest.Upload{}, nil, false
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "file is required"})
		return ingest.Upload{}, nil, false
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "open file failed"})
		return ingest.Upload{}, nil, false
	}
	contentType, err := declaredType(header, f)
	if err != nil {
		f.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "unreadable file"})
		return ingest.Upload{}, nil, false
	}
	closer := func() {
		f.Close()
		if c.Request.MultipartForm != nil {
			c.Request.MultipartForm.RemoveAll()
		}
	}
	return ingest.Upload{
		Reader:      f,
		Name:        header.Filename,
		ContentType: contentType,
	}, closer, true
}

// declaredType prefers the part's declared content type and sniffs the
// bytes only when the client sent none or a generic one.
func declaredType(header *multipart.FileHeader, f multipart.File) (string, error) {
	declared := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return declared, nil
	}
	detected, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return detected.String(), nil
}

func (h *Handler) extractFile(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	up, done, ok := h.openUpload(c)
	if !ok {
		return
	}
	defer done()

	start := time.Now()
	out, err := h.ingest.Extract(c.Request.Context(), user.ID, up)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"filename": out.FileName,
		"fileType": up.ContentType,
		"fileSize": out.Size,
		"storageInfo": gin.H{
			"path":     out.Object.Key,
			"fileName": out.FileName,
		},
		"extractedText":  out.Result.Text,
		"wordCount":      len(strings.Fields(out.Result.Text)),
		"processingTime": time.Since(start).Milliseconds(),
		"metadata":       out.Result.Metadata,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) uploadDocument(c *gin.Context) {
	user, _, ok := h.currentViewer(c)
	if !ok {
		return
	}
	up, done, ok := h.openUpload(c)
	if !ok {
		return
	}
	defer done()
	up.Title = c.PostForm("title")
	up.IsCompanyWide = formBool(c.PostForm("isCompanyWide"))

	doc, res, err := h.ingest.Ingest(c.Request.Context(), user, up)
	if err != nil {
		h.respondError(c, err)
		return
	}
	msg := "Document uploaded and processed successfully"
	if res.Metadata.Fallback {
		msg = "Document uploaded, but its text could not be fully extracted"
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"document": doc,
		"message":  msg,
	})
}

func formBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func (h *Handler) listDocuments(c *gin.Context) {
	_, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	docs, err := h.ingest.List(c.Request.Context(), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) updateDocument(c *gin.Context) {
	_, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	var req struct {
		Title         string `json:"title"`
		IsCompanyWide bool   `json:"isCompanyWide"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "invalid request body"})
		return
	}
	doc, err := h.ingest.Update(c.Request.Context(), viewer, c.Param("id"), req.Title, req.IsCompanyWide)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "document": doc})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	_, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	if err := h.ingest.Delete(c.Request.Context(), viewer, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Document deleted"})
}

func (h *Handler) documentURL(c *gin.Context) {
	_, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	var req struct {
		DocumentID string `json:"documentId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation error", "message": "documentId is required"})
		return
	}
	u, expires, err := h.ingest.SignedURL(c.Request.Context(), viewer, req.DocumentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u, "expiresAt": expires})
}

func (h *Handler) reextractDocument(c *gin.Context) {
	_, viewer, ok := h.currentViewer(c)
	if !ok {
		return
	}
	res, err := h.ingest.ExtractStored(c.Request.Context(), viewer, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"extractedText": res.Text,
		"wordCount":     len(strings.Fields(res.Text)),
		"metadata":      res.Metadata,
	})
}

// serveObject streams a local object addressed by a signed URL.
func (h *Handler) serveObject(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	tokenKey, err := h.objects.VerifyToken(c.Query("token"))
	if err != nil || tokenKey != key {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "invalid or expired link"})
		return
	}
	rc, info, err := h.objects.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found", "message": "object not found"})
			return
		}
		h.respondError(c, err)
		return
	}
	defer rc.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, nil)
	h.log.Debug("object served", zap.String("key", key), zap.Int64("size", info.Size))
}
