// Package ocr talks to an external optical character recognition engine.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrNotConfigured is returned when no engine endpoint is set.
var ErrNotConfigured = errors.New("ocr engine not configured")

// Word is one recognized word with its confidence in percent (0-100).
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognition is the engine output for one image.
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

// Engine recognizes text in an image file.
type Engine interface {
	Recognize(ctx context.Context, imagePath string) (*Recognition, error)
}

// HTTPEngine posts images to a tesseract-style HTTP service which answers
// with a Recognition JSON document.
type HTTPEngine struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

func NewHTTPEngine(endpoint, language string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPEngine{
		endpoint:   endpoint,
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}
}

const maxResponseSize = 4 << 20

func (e *HTTPEngine) Recognize(ctx context.Context, imagePath string) (*Recognition, error) {
	if e == nil || e.endpoint == "" {
		return nil, ErrNotConfigured
	}
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if e.language != "" {
		if err := mw.WriteField("lang", e.language); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr request: %s", resp.Status)
	}

	var rec Recognition
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	return &rec, nil
}
