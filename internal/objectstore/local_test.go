package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocal(t.TempDir(), "docs", "http://localhost:8090", []byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestLocalPutGetDelete(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	body := []byte("quarterly revenue figures")

	require.NoError(t, s.Put(ctx, "1700000000000-abc.txt", bytes.NewReader(body), int64(len(body)), "text/plain"))

	ok, err := Exists(ctx, s, "1700000000000-abc.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, info, err := s.Get(ctx, "1700000000000-abc.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, int64(len(body)), info.Size)
	assert.True(t, strings.HasPrefix(info.ContentType, "text/plain"))

	require.NoError(t, s.Delete(ctx, "1700000000000-abc.txt"))
	ok, err = Exists(ctx, s, "1700000000000-abc.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, "1700000000000-abc.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	// deleting again is fine
	assert.NoError(t, s.Delete(ctx, "1700000000000-abc.txt"))
}

func TestLocalKeepsDeclaredContentType(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	body := []byte("%PDF-1.4 scanned contract")

	require.NoError(t, s.Put(ctx, "1700000000000-noext", bytes.NewReader(body), int64(len(body)), "application/pdf"))
	info, err := s.Stat(ctx, "1700000000000-noext")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", info.ContentType)

	rc, info, err := s.Get(ctx, "1700000000000-noext")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "application/pdf", info.ContentType)

	// no declared type falls back to the extension
	require.NoError(t, s.Put(ctx, "notes.txt", strings.NewReader("hi"), 2, ""))
	info, err = s.Stat(ctx, "notes.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ContentType, "text/plain"))

	require.NoError(t, s.Delete(ctx, "1700000000000-noext"))
	_, err = os.Stat(s.metaPath("1700000000000-noext"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalPutSizeMismatchLeavesNothing(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	err := s.Put(ctx, "short.bin", strings.NewReader("abc"), 10, "")
	require.Error(t, err)
	ok, err := Exists(ctx, s, "short.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = os.ReadDir(s.metaDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalRejectsTraversal(t *testing.T) {
	s := newTestLocal(t)
	for _, key := range []string{"", "../escape", "a/../../b", "/abs", `a\b`, "a//b"} {
		err := s.Put(context.Background(), key, strings.NewReader("x"), 1, "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalSignedURL(t *testing.T) {
	s := newTestLocal(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	raw, err := s.SignedURL(context.Background(), "1700-x.pdf", time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/objects/1700-x.pdf", u.Path)

	key, err := s.VerifyToken(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "1700-x.pdf", key)

	now = now.Add(2 * time.Hour)
	_, err = s.VerifyToken(u.Query().Get("token"))
	assert.Error(t, err)
}

func TestLocalTokenFromOtherSecretRejected(t *testing.T) {
	a := newTestLocal(t)
	b, err := NewLocal(t.TempDir(), "docs", "", []byte("other-secret"))
	require.NoError(t, err)

	raw, err := b.SignedURL(context.Background(), "k.txt", time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	_, err = a.VerifyToken(u.Query().Get("token"))
	assert.Error(t, err)
}

func TestLocalPutCanceled(t *testing.T) {
	s := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, "c.txt", strings.NewReader("data"), 4, "")
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(s.root, "c.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewLocalRequiresSecret(t *testing.T) {
	_, err := NewLocal(t.TempDir(), "docs", "", nil)
	assert.Error(t, err)
}
