package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scratch is an uploaded file held in scratch space for the duration of one
// request. Release it with defer right after a successful NewScratch.
type Scratch struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
	UploadedAt  time.Time

	once    sync.Once
	manager *Manager
}

// NewScratch streams r into a new scratch file. maxBytes <= 0 means no
// limit. On any error the partial file is already gone.
func (m *Manager) NewScratch(r io.Reader, originalName, contentType string, maxBytes int64) (*Scratch, error) {
	f, err := os.CreateTemp(m.scratchDir, "upload-*"+filepath.Ext(filepath.Base(originalName)))
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch: %v", ErrStorageWrite, err)
	}
	path := f.Name()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.CleanupScratch(path)
		return nil, fmt.Errorf("%w: write scratch: %v", ErrStorageWrite, err)
	}
	if maxBytes > 0 && n > maxBytes {
		m.CleanupScratch(path)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return &Scratch{
		Path:        path,
		Name:        filepath.Base(originalName),
		ContentType: contentType,
		Size:        n,
		UploadedAt:  m.now().UTC(),
		manager:     m,
	}, nil
}

// Release removes the scratch file. Safe to call more than once.
func (s *Scratch) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.manager != nil {
			s.manager.CleanupScratch(s.Path)
			return
		}
		_ = os.Remove(s.Path)
	})
}

// CleanupScratch removes path if it lives in the scratch directory. A
// missing file is not an error and nothing is returned to the caller.
func (m *Manager) CleanupScratch(path string) {
	if path == "" {
		return
	}
	if !m.inScratch(path) {
		m.log.Warn("refusing to remove file outside scratch dir", zap.String("path", path))
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove scratch file failed", zap.String("path", path), zap.Error(err))
	}
}

func (m *Manager) inScratch(path string) bool {
	rel, err := filepath.Rel(m.scratchDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// StartJanitor removes scratch files older than maxAge every interval.
// Request paths release their own files; this only catches files left by a
// crashed process.
func (m *Manager) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.sweepScratch(maxAge); n > 0 {
					m.log.Info("removed stale scratch files", zap.Int("count", n))
				}
			}
		}
	}()
}

func (m *Manager) sweepScratch(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.scratchDir)
	if err != nil {
		m.log.Warn("read scratch dir failed", zap.Error(err))
		return 0
	}
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.scratchDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
