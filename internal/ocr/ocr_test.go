package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0o644))
	return path
}

func TestHTTPEngineRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "deu", r.FormValue("lang"))
		if _, header, err := r.FormFile("image"); assert.NoError(t, err) {
			assert.Equal(t, "scan.png", header.Filename)
		}
		_ = json.NewEncoder(w).Encode(Recognition{
			Text:       "hello world",
			Confidence: 91.5,
			Words:      []Word{{Text: "hello", Confidence: 95}, {Text: "world", Confidence: 88}},
		})
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, "deu", time.Second)
	rec, err := engine.Recognize(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, "hello world", rec.Text)
	assert.InDelta(t, 91.5, rec.Confidence, 0.001)
	assert.Len(t, rec.Words, 2)
}

func TestHTTPEngineErrors(t *testing.T) {
	_, err := NewHTTPEngine("", "eng", 0).Recognize(context.Background(), "x.png")
	assert.True(t, errors.Is(err, ErrNotConfigured))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err = NewHTTPEngine(srv.URL, "eng", time.Second).Recognize(context.Background(), writeImage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
