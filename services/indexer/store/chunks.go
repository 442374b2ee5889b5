// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// ParentChunk is one row of parent_chunks.
type ParentChunk struct {
	ID          string    `db:"id"`
	DocumentID  string    `db:"document_id"`
	ParentIndex int       `db:"parent_index"`
	CharStart   int       `db:"char_start"`
	CharEnd     int       `db:"char_end"`
	WordCount   int       `db:"word_count"`
	Content     string    `db:"content"`
	CreatedAt   time.Time `db:"created_at"`
}

// ChildChunk is one row of child_chunks. GlobalIndex is unique within a
// document and seeds the deterministic vector point id.
type ChildChunk struct {
	ID            string    `db:"id"`
	DocumentID    string    `db:"document_id"`
	ParentChunkID string    `db:"parent_chunk_id"`
	ParentIndex   int       `db:"parent_index"`
	ChildIndex    int       `db:"child_index"`
	GlobalIndex   int       `db:"global_index"`
	CharStart     int       `db:"char_start"`
	CharEnd       int       `db:"char_end"`
	WordCount     int       `db:"word_count"`
	Content       string    `db:"content"`
	CreatedAt     time.Time `db:"created_at"`
}

// Similarity is one canonicalized document pair.
type Similarity struct {
	DocumentA  string    `db:"document_a"`
	DocumentB  string    `db:"document_b"`
	Score      float64   `db:"score"`
	ComputedAt time.Time `db:"computed_at"`
}

// Chunks is the chunk and similarity repository.
type Chunks struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewChunks wraps the shared pool.
func NewChunks(db *sqlx.DB, logger *logging.Logger) *Chunks {
	return &Chunks{db: db, logger: logger}
}

// DeleteByDocument removes all chunk rows of a document. Child rows go
// with the parents through the FK cascade.
func (r *Chunks) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM parent_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

// InsertParents persists parent rows in order.
func (r *Chunks) InsertParents(ctx context.Context, parents []ParentChunk) error {
	if len(parents) == 0 {
		return nil
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO parent_chunks
			(id, document_id, parent_index, char_start, char_end, word_count, content)
		VALUES
			(:id, :document_id, :parent_index, :char_start, :char_end, :word_count, :content)`,
		parents)
	if err != nil {
		return fmt.Errorf("insert parent chunks: %w", err)
	}
	return nil
}

// InsertChildren persists child rows in order.
func (r *Chunks) InsertChildren(ctx context.Context, children []ChildChunk) error {
	if len(children) == 0 {
		return nil
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO child_chunks
			(id, document_id, parent_chunk_id, parent_index, child_index,
			 global_index, char_start, char_end, word_count, content)
		VALUES
			(:id, :document_id, :parent_chunk_id, :parent_index, :child_index,
			 :global_index, :char_start, :char_end, :word_count, :content)`,
		children)
	if err != nil {
		return fmt.Errorf("insert child chunks: %w", err)
	}
	return nil
}

// PageChildren returns a stable page of child rows for the migration.
// Ordering by (document_id, global_index) keeps offsets meaningful
// across runs as long as no ingest runs concurrently.
func (r *Chunks) PageChildren(ctx context.Context, offset, limit int) ([]ChildChunk, error) {
	var children []ChildChunk
	err := r.db.SelectContext(ctx, &children, `
		SELECT * FROM child_chunks
		ORDER BY document_id, global_index
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page child chunks: %w", err)
	}
	return children, nil
}

// CountChildren returns the total child chunk count.
func (r *Chunks) CountChildren(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM child_chunks`); err != nil {
		return 0, fmt.Errorf("count child chunks: %w", err)
	}
	return n, nil
}

// ChildrenByIDs resolves child rows by their point ids. Unknown ids are
// silently absent from the result.
func (r *Chunks) ChildrenByIDs(ctx context.Context, ids []string) ([]ChildChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM child_chunks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build child lookup: %w", err)
	}
	var children []ChildChunk
	if err := r.db.SelectContext(ctx, &children, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("children by ids: %w", err)
	}
	return children, nil
}

// ChildrenByDocument returns a document's child rows in global order.
func (r *Chunks) ChildrenByDocument(ctx context.Context, documentID string) ([]ChildChunk, error) {
	var children []ChildChunk
	err := r.db.SelectContext(ctx, &children, `
		SELECT * FROM child_chunks
		WHERE document_id = $1
		ORDER BY global_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", documentID, err)
	}
	return children, nil
}

// UpsertSimilarity records one document pair, canonicalized so the
// smaller id always sits in document_a.
func (r *Chunks) UpsertSimilarity(ctx context.Context, docA, docB string, score float64) error {
	if docA == docB {
		return nil
	}
	if docB < docA {
		docA, docB = docB, docA
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_similarities (document_a, document_b, score, computed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (document_a, document_b)
		DO UPDATE SET score = EXCLUDED.score, computed_at = EXCLUDED.computed_at`,
		docA, docB, score)
	if err != nil {
		return fmt.Errorf("upsert similarity: %w", err)
	}
	return nil
}

// SimilarDocuments lists pairs touching a document, best first.
func (r *Chunks) SimilarDocuments(ctx context.Context, documentID string) ([]Similarity, error) {
	var pairs []Similarity
	err := r.db.SelectContext(ctx, &pairs, `
		SELECT * FROM document_similarities
		WHERE document_a = $1 OR document_b = $1
		ORDER BY score DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("similar documents: %w", err)
	}
	return pairs, nil
}
