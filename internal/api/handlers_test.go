package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"docflow/internal/auth"
	"docflow/internal/config"
	"docflow/internal/documents"
	"docflow/internal/extract"
	"docflow/internal/lifecycle"
	"docflow/internal/objectstore"
	"docflow/internal/ratelimit"
	"docflow/internal/retrieval"
	"docflow/internal/service/ai"
	"docflow/internal/service/conversation"
	"docflow/internal/service/ingest"
	"docflow/internal/storage"
)

const reportText = "Quarterly revenue grew twelve percent, driven by strong demand in the European market."

// fileExtractor returns the file's bytes as text.
type fileExtractor struct{}

func (fileExtractor) Extract(_ context.Context, path string) (*extract.Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &extract.Output{Text: string(data)}, nil
}

type testServer struct {
	router     *gin.Engine
	db         *sql.DB
	bucketDir  string
	scratchDir string
}

func newTestServer(t *testing.T, limits config.LimitsConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
		Limits:    limits,
	}
	cfg.ApplyDefaults()
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	root := t.TempDir()
	store, err := objectstore.NewLocal(root, "documents", "http://localhost", []byte("test-secret"))
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	scratch := t.TempDir()
	lc, err := lifecycle.NewManager(store, scratch, time.Second, nil)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	ex := extract.NewDispatcher(
		extract.WithExtractor(extract.KindText, fileExtractor{}),
		extract.WithExtractor(extract.KindPDF, fileExtractor{}),
	)
	repo := documents.NewRepository(db)

	handler := NewHandler(Deps{
		Auth:          auth.NewService(db, nil, time.Hour),
		Ingest:        ingest.NewService(lc, ex, repo, ingest.WithMaxBytes(1<<20)),
		Assembler:     retrieval.NewAssembler(repo, nil, nil),
		Generator:     ai.NewMockGenerator(),
		Conversations: conversation.NewService(db),
		Limits:        ratelimit.NewSet(cfg.Limits, ratelimit.NewMemoryStore(), nil),
		Objects:       store,
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{
		router:     router,
		db:         db,
		bucketDir:  filepath.Join(root, "documents"),
		scratchDir: scratch,
	}
}

func generousLimits() config.LimitsConfig {
	l := config.LimitConfig{MaxRequests: 1000, WindowMs: 60_000}
	return config.LimitsConfig{Upload: l, Chat: l, Auth: l, Global: l}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	rec := ts.upload(t, "/api/documents", "report.txt", "text/plain", reportText,
		map[string]string{"title": "Q3 Report", "isCompanyWide": "true"}, headers)
	assertStatus(t, rec, http.StatusCreated)
	var created struct {
		Success  bool `json:"success"`
		Document struct {
			ID            string `json:"id"`
			Title         string `json:"title"`
			IsCompanyWide bool   `json:"is_company_wide"`
		} `json:"document"`
		Message string `json:"message"`
	}
	decodeJSON(t, rec.Body.Bytes(), &created)
	if !created.Success || created.Document.ID == "" || created.Document.Title != "Q3 Report" || !created.Document.IsCompanyWide {
		t.Fatalf("unexpected upload response: %s", rec.Body.String())
	}
	if n := countEntries(t, ts.scratchDir); n != 0 {
		t.Fatalf("expected empty scratch dir, found %d entries", n)
	}

	listResp := doJSONRequest(t, ts.router, http.MethodGet, "/api/documents", nil, headers)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Documents []map[string]any `json:"documents"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(list.Documents))
	}

	urlResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/documents/url",
		map[string]string{"documentId": created.Document.ID}, headers)
	assertStatus(t, urlResp, http.StatusOK)
	var signed struct {
		URL string `json:"url"`
	}
	decodeJSON(t, urlResp.Body.Bytes(), &signed)
	u, err := url.Parse(signed.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	objResp := doJSONRequest(t, ts.router, http.MethodGet, u.RequestURI(), nil, nil)
	assertStatus(t, objResp, http.StatusOK)
	if objResp.Body.String() != reportText {
		t.Fatalf("object body mismatch: %q", objResp.Body.String())
	}

	tampered := doJSONRequest(t, ts.router, http.MethodGet, u.Path+"?token=bogus", nil, nil)
	assertStatus(t, tampered, http.StatusForbidden)

	delResp := doJSONRequest(t, ts.router, http.MethodDelete, "/api/documents/"+created.Document.ID, nil, headers)
	assertStatus(t, delResp, http.StatusOK)
	if n := countEntries(t, ts.bucketDir); n != 0 {
		t.Fatalf("expected object removed, found %d", n)
	}
	missing := doJSONRequest(t, ts.router, http.MethodDelete, "/api/documents/"+created.Document.ID, nil, headers)
	assertStatus(t, missing, http.StatusNotFound)
}

func TestUploadRequiresApprovedAccount(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	ts.registerAndLogin(t, "admin@example.com")
	_, pending := ts.registerAndLogin(t, "pending@example.com")

	rec := ts.upload(t, "/api/documents", "report.txt", "text/plain", reportText, nil, pending)
	assertStatus(t, rec, http.StatusForbidden)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error != "account not approved" {
		t.Fatalf("unexpected error %q", body.Error)
	}
	if n := countEntries(t, ts.bucketDir); n != 0 {
		t.Fatalf("pending upload created %d objects", n)
	}
	if n := countEntries(t, ts.scratchDir); n != 0 {
		t.Fatalf("pending upload left %d scratch files", n)
	}
}

func TestApprovalByAdminUnlocksUploads(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, admin := ts.registerAndLogin(t, "admin@example.com")
	userID, member := ts.registerAndLogin(t, "member@example.com")

	approve := doJSONRequest(t, ts.router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", userID),
		map[string]string{"status": "approved"}, admin)
	assertStatus(t, approve, http.StatusOK)

	forbidden := doJSONRequest(t, ts.router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", userID),
		map[string]any{"is_admin": true}, member)
	assertStatus(t, forbidden, http.StatusForbidden)

	rec := ts.upload(t, "/api/documents", "notes.txt", "text/plain", reportText, nil, member)
	assertStatus(t, rec, http.StatusCreated)
}

func TestUploadRollsBackObjectWhenRecordFails(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")
	if _, err := ts.db.Exec(`DROP TABLE documents`); err != nil {
		t.Fatalf("drop documents: %v", err)
	}

	rec := ts.upload(t, "/api/documents", "report.txt", "text/plain", reportText, nil, headers)
	assertStatus(t, rec, http.StatusInternalServerError)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error == "" || body.Message == "" {
		t.Fatalf("expected error and message, got %s", rec.Body.String())
	}
	if body.Details != "" {
		t.Fatalf("production response leaked details: %q", body.Details)
	}
	if n := countEntries(t, ts.bucketDir); n != 0 {
		t.Fatalf("expected rollback to remove object, found %d", n)
	}
	if n := countEntries(t, ts.scratchDir); n != 0 {
		t.Fatalf("expected scratch cleanup, found %d", n)
	}
}

func TestUnsupportedTypeRejected(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	rec := ts.upload(t, "/api/documents", "archive.zip", "application/zip", "PK", nil, headers)
	assertStatus(t, rec, http.StatusBadRequest)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error != "unsupported file type" {
		t.Fatalf("unexpected error %q", body.Error)
	}
	if n := countEntries(t, ts.bucketDir); n != 0 {
		t.Fatalf("unsupported upload stored %d objects", n)
	}
}

func TestExtractEndpointShape(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	rec := ts.upload(t, "/extract", "report.txt", "text/plain", reportText, nil, headers)
	assertStatus(t, rec, http.StatusOK)
	var body map[string]any
	decodeJSON(t, rec.Body.Bytes(), &body)
	for _, key := range []string{"success", "filename", "fileType", "fileSize", "storageInfo", "extractedText", "wordCount", "processingTime", "timestamp"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in %s", key, rec.Body.String())
		}
	}
	if body["filename"] != "report.txt" || body["extractedText"] != reportText {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if wc, _ := body["wordCount"].(float64); int(wc) != len(strings.Fields(reportText)) {
		t.Fatalf("unexpected word count %v", body["wordCount"])
	}
	info, _ := body["storageInfo"].(map[string]any)
	if info["path"] == "" || info["fileName"] != "report.txt" {
		t.Fatalf("unexpected storage info %v", info)
	}

	missing := doJSONRequest(t, ts.router, http.MethodPost, "/extract", nil, headers)
	assertStatus(t, missing, http.StatusBadRequest)
}

func TestExtractShortTextFallsBack(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	rec := ts.upload(t, "/extract", "tiny.pdf", "application/pdf", "%PDF", nil, headers)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		ExtractedText string `json:"extractedText"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.Contains(body.ExtractedText, "Document: tiny.pdf") {
		t.Fatalf("expected fallback text, got %q", body.ExtractedText)
	}
}

func TestChatUsesAttachedDocuments(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")
	docID := ts.uploadDocument(t, headers, "report.txt", reportText)

	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", map[string]any{
		"messages":    []map[string]string{{"role": "user", "content": "What does the attached document say about quarterly revenue?"}},
		"documentIds": []string{docID},
	}, headers)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Response string             `json:"response"`
		Sources  []retrieval.Source `json:"sources"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.Contains(body.Response, "document context") {
		t.Fatalf("expected reply to use document context, got %q", body.Response)
	}
	if len(body.Sources) != 1 || body.Sources[0].DocumentID != docID {
		t.Fatalf("unexpected sources %+v", body.Sources)
	}
}

func TestChatStreamEvents(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	convResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/conversations", map[string]string{}, headers)
	assertStatus(t, convResp, http.StatusCreated)
	var conv struct {
		Conversation struct {
			ID int64 `json:"id"`
		} `json:"conversation"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &conv)

	rec := doJSONRequest(t, ts.router, http.MethodPost, "/api/chat/stream", map[string]any{
		"messages":       []map[string]string{{"role": "user", "content": "hello there"}},
		"conversationId": conv.Conversation.ID,
		"stream":         true,
	}, headers)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(events))
	}
	if events[0].Name != "sources" || events[1].Name != "stream" || events[len(events)-1].Name != "done" {
		t.Fatalf("unexpected event order %+v", events)
	}
	if n := countMessages(t, ts.db, conv.Conversation.ID); n != 2 {
		t.Fatalf("expected 2 stored messages, got %d", n)
	}
}

func TestGenerateTitleForeignConversation(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	_, owner := ts.registerAndLogin(t, "owner@example.com")
	otherID, other := ts.registerAndLogin(t, "other@example.com")
	approve := doJSONRequest(t, ts.router, http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", otherID),
		map[string]string{"status": "approved"}, owner)
	assertStatus(t, approve, http.StatusOK)

	convResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/conversations", map[string]string{"title": "private"}, owner)
	assertStatus(t, convResp, http.StatusCreated)
	var conv struct {
		Conversation struct {
			ID int64 `json:"id"`
		} `json:"conversation"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &conv)

	payload := map[string]any{
		"conversationId": conv.Conversation.ID,
		"messages":       []map[string]string{{"role": "user", "content": "one two three four five six seven eight nine ten"}},
	}
	foreign := doJSONRequest(t, ts.router, http.MethodPost, "/api/conversations/generate-title", payload, other)
	assertStatus(t, foreign, http.StatusNotFound)

	own := doJSONRequest(t, ts.router, http.MethodPost, "/api/conversations/generate-title", payload, owner)
	assertStatus(t, own, http.StatusOK)
	var title struct {
		Title string `json:"title"`
	}
	decodeJSON(t, own.Body.Bytes(), &title)
	if title.Title != "one two three four five six seven eight" {
		t.Fatalf("unexpected title %q", title.Title)
	}
}

func TestUploadRateLimited(t *testing.T) {
	limits := generousLimits()
	limits.Upload = config.LimitConfig{MaxRequests: 1, WindowMs: 60_000}
	ts := newTestServer(t, limits)
	_, headers := ts.registerAndLogin(t, "admin@example.com")

	first := ts.upload(t, "/api/documents", "a.txt", "text/plain", reportText, nil, headers)
	assertStatus(t, first, http.StatusCreated)
	second := ts.upload(t, "/api/documents", "b.txt", "text/plain", reportText, nil, headers)
	assertStatus(t, second, http.StatusTooManyRequests)
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAuthErrors(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	ts.registerAndLogin(t, "admin@example.com")

	noToken := doJSONRequest(t, ts.router, http.MethodGet, "/api/documents", nil, nil)
	assertStatus(t, noToken, http.StatusUnauthorized)

	badLogin := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login",
		map[string]string{"email": "admin@example.com", "password": "wrong-password"}, nil)
	assertStatus(t, badLogin, http.StatusUnauthorized)

	dup := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register",
		map[string]string{"email": "admin@example.com", "password": "long-enough"}, nil)
	assertStatus(t, dup, http.StatusBadRequest)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, generousLimits())
	rec := doJSONRequest(t, ts.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)
}

func (ts *testServer) registerAndLogin(t *testing.T, email string) (int64, map[string]string) {
	t.Helper()
	password := "pass-1234"
	regResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, ts.router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func (ts *testServer) upload(t *testing.T, path, name, contentType, content string, fields, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) uploadDocument(t *testing.T, headers map[string]string, name, content string) string {
	t.Helper()
	rec := ts.upload(t, "/api/documents", name, "text/plain", content, nil, headers)
	assertStatus(t, rec, http.StatusCreated)
	var body struct {
		Document struct {
			ID string `json:"id"`
		} `json:"document"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	return body.Document.ID
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func countMessages(t *testing.T, db *sql.DB, conversationID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}
