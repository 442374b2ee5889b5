// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the relational layer of the indexer: document rows,
// the parent/child chunk tables, and the similarity pairs. Every status
// transition of a document goes through here so the ingest pipeline and
// the HTTP handlers see the same state machine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// Document statuses. Values mirror the documents_status_check constraint.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusIndexed    = "indexed"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// maxRetries stops the scan loop from re-processing a permanently
// broken file forever.
const maxRetries = 3

// Sentinel errors the HTTP layer maps onto response codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrFieldNotAllowed = errors.New("not updatable")
	ErrOrderNotAllowed = errors.New("not permitted")
)

// Document is one row of the documents table.
type Document struct {
	ID                    string         `db:"id"`
	ContentHash           string         `db:"content_hash"`
	FileHash              string         `db:"file_hash"`
	OriginalFilename      string         `db:"original_filename"`
	ObjectPath            string         `db:"object_path"`
	SizeBytes             int64          `db:"size_bytes"`
	MimeType              string         `db:"mime_type"`
	Extension             string         `db:"extension"`
	Status                string         `db:"status"`
	UploadedAt            time.Time      `db:"uploaded_at"`
	ProcessingStartedAt   sql.NullTime   `db:"processing_started_at"`
	ProcessingCompletedAt sql.NullTime   `db:"processing_completed_at"`
	ProcessingError       sql.NullString `db:"processing_error"`
	RetryCount            int            `db:"retry_count"`
	Title                 sql.NullString `db:"title"`
	Author                sql.NullString `db:"author"`
	Language              sql.NullString `db:"language"`
	PageCount             sql.NullInt32  `db:"page_count"`
	WordCount             sql.NullInt32  `db:"word_count"`
	CharCount             sql.NullInt32  `db:"char_count"`
	CategoryID            sql.NullString `db:"category_id"`
	SpaceID               sql.NullString `db:"space_id"`
	Summary               sql.NullString `db:"summary"`
	KeyTopics             TextArray      `db:"key_topics"`
	EmbeddingModel        sql.NullString `db:"embedding_model"`
	ChunkCount            int            `db:"chunk_count"`
	DeletedAt             sql.NullTime   `db:"deleted_at"`
}

// Retryable reports whether a failed document may be picked up again.
func (d *Document) Retryable() bool {
	return d.Status == StatusFailed && d.RetryCount < maxRetries
}

// Statistics is the aggregate the /statistics endpoint serves.
type Statistics struct {
	Total      int   `db:"total"`
	Pending    int   `db:"pending"`
	Processing int   `db:"processing"`
	Indexed    int   `db:"indexed"`
	Failed     int   `db:"failed"`
	TotalBytes int64 `db:"total_bytes"`
	ChunkCount int64 `db:"chunk_count"`
}

// updateWhitelist is the only operator-mutable column set. Anything else
// in a PATCH body is rejected.
var updateWhitelist = map[string]bool{
	"title":       true,
	"author":      true,
	"language":    true,
	"category_id": true,
	"space_id":    true,
	"summary":     true,
	"key_topics":  true,
	"status":      true,
}

// orderWhitelist guards the ORDER BY of list queries against injection.
var orderWhitelist = map[string]bool{
	"uploaded_at":       true,
	"original_filename": true,
	"size_bytes":        true,
	"status":            true,
	"title":             true,
	"chunk_count":       true,
}

// ListOptions shapes a documents listing.
type ListOptions struct {
	Status  string
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Documents is the documents table repository.
type Documents struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewDocuments wraps the shared pool.
func NewDocuments(db *sqlx.DB, logger *logging.Logger) *Documents {
	return &Documents{db: db, logger: logger}
}

// Create inserts a new pending row and returns its id.
func (r *Documents) Create(ctx context.Context, d *Document) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO documents
			(content_hash, file_hash, original_filename, object_path,
			 size_bytes, mime_type, extension, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		d.ContentHash, d.FileHash, d.OriginalFilename, d.ObjectPath,
		d.SizeBytes, d.MimeType, d.Extension, d.Status).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	return id, nil
}

// Get returns one live row by id, nil when absent.
func (r *Documents) Get(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := r.db.GetContext(ctx, &d,
		`SELECT * FROM documents WHERE id = $1 AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

// FindLiveByContentHash returns the live row for a content hash, nil
// when absent. The partial unique index guarantees at most one.
func (r *Documents) FindLiveByContentHash(ctx context.Context, hash string) (*Document, error) {
	var d Document
	err := r.db.GetContext(ctx, &d,
		`SELECT * FROM documents WHERE content_hash = $1 AND deleted_at IS NULL`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by content hash: %w", err)
	}
	return &d, nil
}

// List returns documents under whitelisted ordering.
func (r *Documents) List(ctx context.Context, opts ListOptions) ([]Document, error) {
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "uploaded_at"
	}
	if !orderWhitelist[orderBy] {
		return nil, fmt.Errorf("order by %q %w", opts.OrderBy, ErrOrderNotAllowed)
	}
	direction := "ASC"
	if opts.Desc {
		direction = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT * FROM documents WHERE deleted_at IS NULL`
	args := []any{}
	if opts.Status != "" {
		query += ` AND status = $1`
		args = append(args, opts.Status)
	}
	query += fmt.Sprintf(` ORDER BY %s %s LIMIT %d OFFSET %d`,
		orderBy, direction, limit, opts.Offset)

	var docs []Document
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Update applies a whitelisted partial update. Unknown fields fail the
// whole request so a typo never silently drops a change.
func (r *Documents) Update(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("no fields to update")
	}
	assignments := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for column, value := range fields {
		if !updateWhitelist[column] {
			r.logger.Warn("rejected document update field", "field", column)
			return fmt.Errorf("field %q %w", column, ErrFieldNotAllowed)
		}
		if column == "key_topics" {
			if topics, ok := value.([]string); ok {
				value = TextArray(topics)
			}
		}
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE documents SET %s WHERE id = $%d AND deleted_at IS NULL`,
		strings.Join(assignments, ", "), len(args))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s %w", id, ErrNotFound)
	}
	return nil
}

// MarkProcessing transitions a row to processing and stamps the start.
func (r *Documents) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, processing_started_at = now(), processing_error = NULL
		WHERE id = $1`, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// MarkIndexed records a successful index run with its extracted facts.
func (r *Documents) MarkIndexed(ctx context.Context, id string, facts IndexedFacts) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2,
		    processing_completed_at = now(),
		    processing_error = NULL,
		    chunk_count = $3,
		    title = NULLIF($4, ''),
		    author = NULLIF($5, ''),
		    language = NULLIF($6, ''),
		    page_count = NULLIF($7, 0),
		    word_count = $8,
		    char_count = $9,
		    summary = NULLIF($10, ''),
		    key_topics = $11,
		    category_id = NULLIF($12, '')::uuid,
		    embedding_model = NULLIF($13, '')
		WHERE id = $1`,
		id, StatusIndexed, facts.ChunkCount, facts.Title, facts.Author,
		facts.Language, facts.PageCount, facts.WordCount, facts.CharCount,
		facts.Summary, TextArray(facts.KeyTopics), facts.CategoryID,
		facts.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// IndexedFacts is everything a completed index run writes back.
type IndexedFacts struct {
	ChunkCount     int
	Title          string
	Author         string
	Language       string
	PageCount      int
	WordCount      int
	CharCount      int
	Summary        string
	KeyTopics      []string
	CategoryID     string
	EmbeddingModel string
}

// MarkFailed records a failed run and bumps the retry counter.
func (r *Documents) MarkFailed(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2,
		    processing_completed_at = now(),
		    processing_error = $3,
		    retry_count = retry_count + 1
		WHERE id = $1`, id, StatusFailed, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetForReindex puts a document back at the head of the scan queue.
func (r *Documents) ResetForReindex(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, retry_count = 0, processing_error = NULL
		WHERE id = $1 AND deleted_at IS NULL`, id, StatusPending)
	if err != nil {
		return fmt.Errorf("reset for reindex: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s %w", id, ErrNotFound)
	}
	return nil
}

// SoftDelete tombstones the row. The content-hash uniqueness constraint
// only covers live rows, so a re-upload creates a fresh document.
func (r *Documents) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, StatusDeleted)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s %w", id, ErrNotFound)
	}
	return nil
}

// Statistics aggregates corpus counts for the status endpoints.
func (r *Documents) Statistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	err := r.db.GetContext(ctx, &s, `
		SELECT count(*)                                        AS total,
		       count(*) FILTER (WHERE status = 'pending')      AS pending,
		       count(*) FILTER (WHERE status = 'processing')   AS processing,
		       count(*) FILTER (WHERE status = 'indexed')      AS indexed,
		       count(*) FILTER (WHERE status = 'failed')       AS failed,
		       COALESCE(sum(size_bytes), 0)                    AS total_bytes,
		       COALESCE(sum(chunk_count), 0)                   AS chunk_count
		FROM documents WHERE deleted_at IS NULL`)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	return s, nil
}
