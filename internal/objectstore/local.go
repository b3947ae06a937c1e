package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalStore keeps objects under <root>/<bucket> and their declared content
// types in a sidecar tree under <root>/.<bucket>.meta. Signed URLs are HS256
// tokens checked by VerifyToken when the download route serves them.
type LocalStore struct {
	root    string
	metaDir string
	bucket  string
	baseURL string
	secret  []byte
	now     func() time.Time
}

type objectClaims struct {
	Bucket string `json:"bkt"`
	Key    string `json:"key"`
	jwt.RegisteredClaims
}

func NewLocal(rootDir, bucket, baseURL string, secret []byte) (*LocalStore, error) {
	if rootDir == "" {
		return nil, errors.New("local object store directory required")
	}
	if bucket == "" {
		bucket = "documents"
	}
	if len(secret) == 0 {
		return nil, errors.New("local object store signing secret required")
	}
	dir := filepath.Join(rootDir, bucket)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	metaDir := filepath.Join(rootDir, "."+bucket+".meta")
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	return &LocalStore{
		root:    dir,
		metaDir: metaDir,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func (s *LocalStore) Bucket() string { return s.bucket }

func (s *LocalStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

type objectMeta struct {
	ContentType string `json:"content_type"`
}

func (s *LocalStore) metaPath(key string) string {
	return filepath.Join(s.metaDir, filepath.FromSlash(key)+".json")
}

func (s *LocalStore) writeMeta(key, contentType string) error {
	p := s.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	data, err := json.Marshal(objectMeta{ContentType: contentType})
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return fmt.Errorf("write object metadata: %w", err)
	}
	return nil
}

// contentType prefers the type recorded at Put and falls back to the key's
// extension for objects written without one.
func (s *LocalStore) contentType(key string) string {
	if data, err := os.ReadFile(s.metaPath(key)); err == nil {
		var m objectMeta
		if json.Unmarshal(data, &m) == nil && m.ContentType != "" {
			return m.ContentType
		}
	}
	return mime.TypeByExtension(filepath.Ext(key))
}

// Put writes to a temp file first so readers never see a partial object.
// The content type is recorded before the object becomes visible.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("write object: wrote %d of %d bytes", n, size)
	}
	if contentType != "" {
		if err := s.writeMeta(key, contentType); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(s.metaPath(key))
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, *Info, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat object: %w", err)
	}
	return f, s.info(key, st), nil
}

func (s *LocalStore) Stat(_ context.Context, key string) (*Info, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return s.info(key, st), nil
}

// Delete is idempotent: a missing object is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object metadata: %w", err)
	}
	return nil
}

func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	now := s.now()
	claims := objectClaims{
		Bucket: s.bucket,
		Key:    key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign object url: %w", err)
	}
	return fmt.Sprintf("%s/objects/%s?token=%s", s.baseURL, escapeKey(key), url.QueryEscape(token)), nil
}

// VerifyToken checks a signed URL token and returns the object key it grants.
func (s *LocalStore) VerifyToken(token string) (string, error) {
	claims := &objectClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("invalid object token: %w", err)
	}
	if claims.Bucket != s.bucket {
		return "", errors.New("invalid object token: bucket mismatch")
	}
	return claims.Key, nil
}

func (s *LocalStore) info(key string, st os.FileInfo) *Info {
	return &Info{
		Key:         key,
		Size:        st.Size(),
		ContentType: s.contentType(key),
		ModTime:     st.ModTime(),
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
