// Package ingest ties extraction, the storage lifecycle and the metadata
// index together for the HTTP surface and the CLI.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"docflow/internal/apperr"
	"docflow/internal/documents"
	"docflow/internal/extract"
	"docflow/internal/lifecycle"
	"docflow/internal/models"
	"docflow/internal/worker"

	"go.uber.org/zap"
)

// SignedURLTTL is how long a document access URL stays valid.
const SignedURLTTL = time.Hour

// Records is the subset of the metadata index ingest needs.
type Records interface {
	Insert(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	ListVisible(ctx context.Context, v documents.Viewer) ([]*models.Document, error)
	Update(ctx context.Context, id, title string, isCompanyWide bool) error
	Delete(ctx context.Context, id string) error
}

// Upload is one incoming file.
type Upload struct {
	Reader        io.Reader
	Name          string
	ContentType   string
	Title         string
	IsCompanyWide bool
}

// Extraction is the outcome of an extract-only request.
type Extraction struct {
	Object   *models.StoredObject
	FileName string
	Size     int64
	Result   *extract.Result
}

type Service struct {
	lifecycle *lifecycle.Manager
	extractor *extract.Dispatcher
	workers   *worker.Dispatcher
	records   Records
	maxBytes  int64
	log       *zap.Logger
}

type Option func(*Service)

// WithWorkers runs extractions on the worker pool instead of the caller's
// goroutine.
func WithWorkers(w *worker.Dispatcher) Option {
	return func(s *Service) { s.workers = w }
}

// WithMaxBytes caps the accepted upload size.
func WithMaxBytes(n int64) Option {
	return func(s *Service) { s.maxBytes = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(lc *lifecycle.Manager, ex *extract.Dispatcher, records Records, opts ...Option) *Service {
	s := &Service{
		lifecycle: lc,
		extractor: ex,
		records:   records,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest extracts the upload, stores the original object and inserts the
// document record. The scratch copy is gone when Ingest returns, and a
// failed insert leaves no object behind.
func (s *Service) Ingest(ctx context.Context, owner *models.User, up Upload) (*models.Document, *extract.Result, error) {
	if owner == nil {
		return nil, nil, apperr.Unauthenticated("authentication required")
	}
	if !extract.Supported(up.ContentType) {
		return nil, nil, apperr.Wrap(apperr.KindNoExtractor, "unsupported file type", fmt.Errorf("%w: %q", extract.ErrNoExtractor, up.ContentType))
	}

	sc, err := s.lifecycle.NewScratch(up.Reader, up.Name, up.ContentType, s.maxBytes)
	if err != nil {
		return nil, nil, s.scratchError(err)
	}
	defer sc.Release()

	res, err := s.extract(ctx, owner.ID, sc)
	if err != nil {
		return nil, nil, err
	}

	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = sc.Name
	}
	var doc *models.Document
	_, err = s.lifecycle.Commit(ctx, sc, func(ctx context.Context, obj *models.StoredObject) error {
		doc = &models.Document{
			OwnerID:       owner.ID,
			Title:         title,
			Content:       res.Text,
			ObjectKey:     obj.Key,
			Size:          obj.Size,
			ContentType:   obj.ContentType,
			IsCompanyWide: up.IsCompanyWide,
		}
		return s.records.Insert(ctx, doc)
	})
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to store document", err)
	}
	s.log.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.Int64("owner_id", owner.ID),
		zap.String("kind", res.Kind.String()),
		zap.Bool("fallback", res.Metadata.Fallback),
		zap.Duration("extract", res.Duration))
	return doc, res, nil
}

// Extract runs extraction on an upload and keeps the original object,
// without creating a document record.
func (s *Service) Extract(ctx context.Context, userID int64, up Upload) (*Extraction, error) {
	if !extract.Supported(up.ContentType) {
		return nil, apperr.Wrap(apperr.KindNoExtractor, "unsupported file type", fmt.Errorf("%w: %q", extract.ErrNoExtractor, up.ContentType))
	}
	sc, err := s.lifecycle.NewScratch(up.Reader, up.Name, up.ContentType, s.maxBytes)
	if err != nil {
		return nil, s.scratchError(err)
	}
	defer sc.Release()

	res, err := s.extract(ctx, userID, sc)
	if err != nil {
		return nil, err
	}
	obj, err := s.lifecycle.Upload(ctx, sc.Path, sc.Name, sc.ContentType)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to store file", err)
	}
	return &Extraction{Object: obj, FileName: sc.Name, Size: sc.Size, Result: res}, nil
}

// ExtractStored downloads a stored document and re-runs extraction on it.
func (s *Service) ExtractStored(ctx context.Context, v documents.Viewer, id string) (*extract.Result, error) {
	doc, err := s.readable(ctx, v, id)
	if err != nil {
		return nil, err
	}
	path, err := s.lifecycle.Download(ctx, doc.ObjectKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read stored file", err)
	}
	defer s.lifecycle.CleanupScratch(path)

	return s.dispatch(ctx, v.UserID, extract.File{Path: path, Name: doc.Title, Size: doc.Size, UploadedAt: doc.CreatedAt}, doc.ContentType)
}

// List returns the documents visible to v, without their content.
func (s *Service) List(ctx context.Context, v documents.Viewer) ([]*models.Document, error) {
	docs, err := s.records.ListVisible(ctx, v)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list documents", err)
	}
	return docs, nil
}

// Update changes the title and sharing flag of a document v may modify.
func (s *Service) Update(ctx context.Context, v documents.Viewer, id, title string, isCompanyWide bool) (*models.Document, error) {
	doc, err := s.modifiable(ctx, v, id)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = doc.Title
	}
	if err := s.records.Update(ctx, id, title, isCompanyWide); err != nil {
		return nil, s.recordError(err)
	}
	doc.Title = title
	doc.IsCompanyWide = isCompanyWide
	return doc, nil
}

// Delete removes the stored object and then the record. A failed object
// delete is logged and does not block the record delete.
func (s *Service) Delete(ctx context.Context, v documents.Viewer, id string) error {
	doc, err := s.modifiable(ctx, v, id)
	if err != nil {
		return err
	}
	if !s.lifecycle.Delete(ctx, doc.ObjectKey) {
		s.log.Warn("document object not deleted, removing record anyway",
			zap.String("document_id", id), zap.String("key", doc.ObjectKey))
	}
	if err := s.records.Delete(ctx, id); err != nil {
		return s.recordError(err)
	}
	s.log.Info("document deleted", zap.String("document_id", id), zap.Int64("by", v.UserID))
	return nil
}

// SignedURL returns a read URL for a document v may read, valid for
// SignedURLTTL.
func (s *Service) SignedURL(ctx context.Context, v documents.Viewer, id string) (string, time.Time, error) {
	doc, err := s.readable(ctx, v, id)
	if err != nil {
		return "", time.Time{}, err
	}
	u, err := s.lifecycle.SignedURL(ctx, doc.ObjectKey, SignedURLTTL)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, "failed to sign url", err)
	}
	return u, time.Now().Add(SignedURLTTL).UTC(), nil
}

// ExtractFile runs extraction on a local file; used by the CLI.
func (s *Service) ExtractFile(ctx context.Context, path, name, contentType string, size int64) (*extract.Result, error) {
	return s.dispatch(ctx, 0, extract.File{Path: path, Name: name, Size: size}, contentType)
}

func (s *Service) extract(ctx context.Context, userID int64, sc *lifecycle.Scratch) (*extract.Result, error) {
	return s.dispatch(ctx, userID, extract.File{
		Path:       sc.Path,
		Name:       sc.Name,
		Size:       sc.Size,
		UploadedAt: sc.UploadedAt,
	}, sc.ContentType)
}

func (s *Service) dispatch(ctx context.Context, userID int64, file extract.File, contentType string) (*extract.Result, error) {
	run := func(ctx context.Context) (*extract.Result, error) {
		return s.extractor.Extract(ctx, file, contentType)
	}
	var (
		res *extract.Result
		err error
	)
	if s.workers != nil {
		res, err = worker.Do(ctx, s.workers, userID, "extract:"+file.Name, run)
	} else {
		res, err = run(ctx)
	}
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, extract.ErrNoExtractor):
		return nil, apperr.Wrap(apperr.KindNoExtractor, "unsupported file type", err)
	case errors.Is(err, worker.ErrQueueFull):
		return nil, apperr.Wrap(apperr.KindRateLimited, "extraction queue is full, retry later", err)
	default:
		return nil, apperr.Wrap(apperr.KindInternal, "extraction failed", err)
	}
}

func (s *Service) readable(ctx context.Context, v documents.Viewer, id string) (*models.Document, error) {
	doc, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, s.recordError(err)
	}
	if !v.CanRead(doc) {
		return nil, apperr.Forbidden("not allowed to access this document")
	}
	return doc, nil
}

func (s *Service) modifiable(ctx context.Context, v documents.Viewer, id string) (*models.Document, error) {
	doc, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, s.recordError(err)
	}
	if !v.CanModify(doc) {
		return nil, apperr.Forbidden("only the owner or an admin can modify this document")
	}
	return doc, nil
}

func (s *Service) recordError(err error) error {
	if errors.Is(err, documents.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, "document not found", err)
	}
	return apperr.Wrap(apperr.KindInternal, "document index failure", err)
}

func (s *Service) scratchError(err error) error {
	if errors.Is(err, lifecycle.ErrTooLarge) {
		return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("file exceeds %d bytes", s.maxBytes), err)
	}
	return apperr.Wrap(apperr.KindInternal, "failed to receive file", err)
}
