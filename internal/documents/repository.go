// Package documents is the metadata index of ingested files.
package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docflow/internal/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("document not found")

// Viewer is who is asking; it decides which records are visible.
type Viewer struct {
	UserID  int64
	IsAdmin bool
}

// CanRead reports whether v may read doc: owners, admins, and everyone for
// company-wide documents.
func (v Viewer) CanRead(doc *models.Document) bool {
	return v.IsAdmin || doc.IsCompanyWide || doc.OwnerID == v.UserID
}

// CanModify reports whether v may change or delete doc.
func (v Viewer) CanModify(doc *models.Document) bool {
	return v.IsAdmin || doc.OwnerID == v.UserID
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const documentColumns = `id, owner_id, title, content, object_key, size, content_type, is_company_wide, created_at`

// Insert stores doc, assigning ID and CreatedAt when unset.
func (r *Repository) Insert(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("document required")
	}
	if doc.OwnerID <= 0 {
		return errors.New("owner_id is required")
	}
	if doc.ObjectKey == "" {
		return errors.New("object_key is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Title, doc.Content, doc.ObjectKey, doc.Size, doc.ContentType, doc.IsCompanyWide, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get returns one document including its content.
func (r *Repository) Get(ctx context.Context, id string) (*models.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetMany returns the readable documents among ids, in the order of ids.
// Unknown, duplicate and unreadable ids are skipped. limit <= 0 means all.
func (r *Repository) GetMany(ctx context.Context, v Viewer, ids []string, limit int) ([]*models.Document, error) {
	ids = dedupe(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok && v.CanRead(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// ListVisible lists what v may read, newest first, without content.
func (r *Repository) ListVisible(ctx context.Context, v Viewer) ([]*models.Document, error) {
	query := `SELECT id, owner_id, title, '', object_key, size, content_type, is_company_wide, created_at FROM documents`
	var args []any
	if !v.IsAdmin {
		query += ` WHERE owner_id = ? OR is_company_wide = ?`
		args = append(args, v.UserID, true)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update changes the title and sharing flag of a document.
func (r *Repository) Update(ctx context.Context, id, title string, isCompanyWide bool) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, is_company_wide = ? WHERE id = ?`, title, isCompanyWide, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return expectOne(res)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	err := s.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.ObjectKey,
		&doc.Size, &doc.ContentType, &doc.IsCompanyWide, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
