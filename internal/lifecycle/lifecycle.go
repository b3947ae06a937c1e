// Package lifecycle moves uploaded bytes between scratch space, the durable
// object store and the metadata index, undoing earlier steps when a later
// one fails.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/models"
	"docflow/internal/objectstore"

	"go.uber.org/zap"
)

var (
	ErrStorageWrite    = errors.New("storage write failed")
	ErrStorageRead     = errors.New("storage read failed")
	ErrMetadataPersist = errors.New("metadata persist failed")
	ErrTooLarge        = errors.New("upload exceeds size limit")
)

const defaultTimeout = 30 * time.Second

// Manager owns the scratch directory and the object store.
type Manager struct {
	store      objectstore.Store
	scratchDir string
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewManager(store objectstore.Store, scratchDir string, timeout time.Duration, log *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("object store required")
	}
	if scratchDir == "" {
		scratchDir = filepath.Join(os.TempDir(), "docflow-scratch")
	}
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, scratchDir: scratchDir, timeout: timeout, log: log, now: time.Now}, nil
}

func (m *Manager) Bucket() string { return m.store.Bucket() }

// Upload copies a scratch file into the object store under a fresh key.
func (m *Manager) Upload(ctx context.Context, scratchPath, originalName, contentType string) (*models.StoredObject, error) {
	f, err := os.Open(scratchPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open scratch: %v", ErrStorageWrite, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat scratch: %v", ErrStorageWrite, err)
	}

	key, err := m.newKey(originalName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.Put(ctx, key, f, st.Size(), contentType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	m.log.Debug("object uploaded", zap.String("key", key), zap.Int64("size", st.Size()))
	return &models.StoredObject{
		Bucket:      m.store.Bucket(),
		Key:         key,
		ContentType: contentType,
		Size:        st.Size(),
	}, nil
}

// Download copies an object into a new scratch file and returns its path.
// The caller owns the file and must pass it to CleanupScratch.
func (m *Manager) Download(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	rc, _, err := m.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(m.scratchDir, "download-*"+filepath.Ext(key))
	if err != nil {
		return "", fmt.Errorf("%w: create scratch: %v", ErrStorageRead, err)
	}
	path := f.Name()
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.CleanupScratch(path)
		return "", fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	return path, nil
}

// Delete removes an object. It never fails the caller because it also runs
// as a compensating step; failures are only logged. It runs detached from
// ctx cancellation so a dropped request still gets its rollback.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.store.Delete(ctx, key); err != nil {
		m.log.Error("delete object failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Exists reports whether an object key is present in the store.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return objectstore.Exists(ctx, m.store, key)
}

// SignedURL returns a time limited read URL for key.
func (m *Manager) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.store.Stat(ctx, key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	u, err := m.store.SignedURL(ctx, key, ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	return u, nil
}

// Commit uploads the scratch file and hands the stored object to persist.
// If persist fails the object is deleted again before the error is
// returned, so no object outlives a failed metadata write.
func (m *Manager) Commit(ctx context.Context, sc *Scratch, persist func(context.Context, *models.StoredObject) error) (*models.StoredObject, error) {
	obj, err := m.Upload(ctx, sc.Path, sc.Name, sc.ContentType)
	if err != nil {
		return nil, err
	}
	if err := persist(ctx, obj); err != nil {
		if !m.Delete(ctx, obj.Key) {
			m.log.Error("rollback left orphaned object", zap.String("key", obj.Key))
		}
		return nil, fmt.Errorf("%w: %v", ErrMetadataPersist, err)
	}
	return obj, nil
}

// newKey builds <unixmillis>-<random>.<ext>.
func (m *Manager) newKey(originalName string) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate object key: %w", err)
	}
	key := fmt.Sprintf("%d-%s", m.now().UnixMilli(), hex.EncodeToString(buf))
	if ext := safeExt(originalName); ext != "" {
		key += "." + ext
	}
	return key, nil
}

func safeExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if len(ext) > 10 {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
