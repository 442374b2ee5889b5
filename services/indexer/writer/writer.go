// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package writer fans one document out to its three indexes: parent and
// child rows in Postgres, child vectors in Qdrant, and the BM25 id
// mapping. Point ids are deterministic UUIDs of (document_id,
// global_index), so a re-run overwrites itself instead of duplicating,
// and a crash mid-write is healed by the next scan.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/chunker"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
)

// pointNamespace seeds the v5 UUIDs of chunks and vector points. Never
// change it: ids derived from it are persisted in three systems.
var pointNamespace = uuid.MustParse("a1f8296e-5d04-4b18-9c2a-7e53d41f906b")

// ErrNoChunks reports that chunking produced nothing to index. An
// indexed document always carries at least one chunk, so the caller
// must treat this as a processing failure.
var ErrNoChunks = errors.New("no indexable text after chunking")

// Similarity linking bounds.
const (
	similarityCandidates = 50
	similarityKeep       = 10
)

// Request is one document to index.
type Request struct {
	DocumentID   string
	DocumentName string
	Title        string
	Language     string
	Category     string
	SpaceID      string
	SpaceName    string
	SpaceSlug    string
	Text         string
}

// ChunkStore is the relational slice the writer needs.
type ChunkStore interface {
	DeleteByDocument(ctx context.Context, documentID string) error
	InsertParents(ctx context.Context, parents []store.ParentChunk) error
	InsertChildren(ctx context.Context, children []store.ChildChunk) error
	ChildrenByDocument(ctx context.Context, documentID string) ([]store.ChildChunk, error)
	UpsertSimilarity(ctx context.Context, docA, docB string, score float64) error
}

// VectorStore is the Qdrant slice the writer needs.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []vector.Point) error
	DeleteByDocument(ctx context.Context, collection, documentID string) error
	Search(ctx context.Context, collection string, vec []float32, limit uint64, scoreThreshold float32, excludeDocument string) ([]vector.Hit, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// KeywordIndex is the BM25 mapping surface.
type KeywordIndex interface {
	Append(ids []string) error
	Remove(ids []string) error
}

// Config tunes the writer.
type Config struct {
	Collection          string
	SimilarityEnabled   bool
	SimilarityThreshold float64
}

// Writer drives the per-document fan-out.
type Writer struct {
	cfg      Config
	chunker  *chunker.Chunker
	chunks   ChunkStore
	vectors  VectorStore
	embedder Embedder
	keyword  KeywordIndex
	logger   *logging.Logger
	metrics  *observability.IndexerMetrics
}

// New assembles a Writer.
func New(cfg Config, ch *chunker.Chunker, chunks ChunkStore, vectors VectorStore,
	embedder Embedder, keyword KeywordIndex, logger *logging.Logger,
	metrics *observability.IndexerMetrics) *Writer {
	return &Writer{
		cfg:      cfg,
		chunker:  ch,
		chunks:   chunks,
		vectors:  vectors,
		embedder: embedder,
		keyword:  keyword,
		logger:   logger,
		metrics:  metrics,
	}
}

// PointID derives the deterministic id shared by a child row and its
// vector point.
func PointID(documentID string, globalIndex int) string {
	return uuid.NewSHA1(pointNamespace,
		[]byte(fmt.Sprintf("%s:%d", documentID, globalIndex))).String()
}

// parentID derives the deterministic id of a parent row.
func parentID(documentID string, parentIndex int) string {
	return uuid.NewSHA1(pointNamespace,
		[]byte(fmt.Sprintf("%s:parent:%d", documentID, parentIndex))).String()
}

// Index chunks, embeds, and persists one document. Returns the child
// chunk count. Prior chunks and vectors of the document are removed
// first so re-runs converge.
func (w *Writer) Index(ctx context.Context, req Request) (int, error) {
	parents := w.chunker.Chunk(req.Text)
	if len(parents) == 0 {
		return 0, fmt.Errorf("document %s: %w", req.DocumentID, ErrNoChunks)
	}

	if err := w.chunks.DeleteByDocument(ctx, req.DocumentID); err != nil {
		return 0, err
	}
	if err := w.vectors.DeleteByDocument(ctx, w.cfg.Collection, req.DocumentID); err != nil {
		return 0, fmt.Errorf("clear prior vectors: %w", err)
	}

	parentRows, childRows, texts := w.assemble(req, parents)
	if err := w.chunks.InsertParents(ctx, parentRows); err != nil {
		return 0, err
	}
	if w.metrics != nil {
		w.metrics.ChunksIndexedTotal.WithLabelValues("parent").Add(float64(len(parentRows)))
	}

	started := time.Now()
	vectors, err := w.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(texts), err)
	}
	if w.metrics != nil {
		w.metrics.EmbedBatchDurationSeconds.Observe(time.Since(started).Seconds())
	}
	if len(vectors) != len(childRows) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(childRows))
	}

	points := make([]vector.Point, len(childRows))
	indexedAt := time.Now().UTC().Format(time.RFC3339)
	for i, child := range childRows {
		points[i] = vector.Point{
			ID:     child.ID,
			Vector: vectors[i],
			Payload: vector.Payload{
				DocumentID:    req.DocumentID,
				DocumentName:  req.DocumentName,
				ChunkIndex:    child.GlobalIndex,
				ChildIndex:    child.ChildIndex,
				ParentChunkID: child.ParentChunkID,
				ParentIndex:   child.ParentIndex,
				TotalChunks:   len(childRows),
				Text:          child.Content,
				Title:         req.Title,
				Category:      req.Category,
				Language:      req.Language,
				SpaceID:       req.SpaceID,
				SpaceName:     req.SpaceName,
				SpaceSlug:     req.SpaceSlug,
				IndexedAt:     indexedAt,
			},
		}
	}
	if err := w.vectors.Upsert(ctx, w.cfg.Collection, points); err != nil {
		return 0, fmt.Errorf("upsert vectors: %w", err)
	}

	if err := w.chunks.InsertChildren(ctx, childRows); err != nil {
		return 0, err
	}
	if w.metrics != nil {
		w.metrics.ChunksIndexedTotal.WithLabelValues("child").Add(float64(len(childRows)))
	}

	ids := make([]string, len(childRows))
	for i, child := range childRows {
		ids[i] = child.ID
	}
	if err := w.keyword.Append(ids); err != nil {
		return 0, fmt.Errorf("append keyword mapping: %w", err)
	}

	if w.cfg.SimilarityEnabled {
		if err := w.linkSimilar(ctx, req.DocumentID, vectors[0]); err != nil {
			// Linking is best-effort; the document is already indexed.
			w.logger.Warn("similarity linking failed", "document_id", req.DocumentID, "error", err)
		}
	}
	return len(childRows), nil
}

// assemble materializes chunk rows with deterministic ids.
func (w *Writer) assemble(req Request, parents []chunker.Parent) ([]store.ParentChunk, []store.ChildChunk, []string) {
	var (
		parentRows []store.ParentChunk
		childRows  []store.ChildChunk
		texts      []string
	)
	for _, p := range parents {
		pid := parentID(req.DocumentID, p.Index)
		parentRows = append(parentRows, store.ParentChunk{
			ID:          pid,
			DocumentID:  req.DocumentID,
			ParentIndex: p.Index,
			CharStart:   p.Start,
			CharEnd:     p.End,
			WordCount:   p.WordCount,
			Content:     p.Text,
		})
		for _, c := range p.Children {
			childRows = append(childRows, store.ChildChunk{
				ID:            PointID(req.DocumentID, c.GlobalIndex),
				DocumentID:    req.DocumentID,
				ParentChunkID: pid,
				ParentIndex:   c.ParentIndex,
				ChildIndex:    c.ChildIndex,
				GlobalIndex:   c.GlobalIndex,
				CharStart:     c.Start,
				CharEnd:       c.End,
				WordCount:     c.WordCount,
				Content:       c.Text,
			})
			texts = append(texts, c.Text)
		}
	}
	return parentRows, childRows, texts
}

// linkSimilar queries with one representative child vector and persists
// the best-scoring pairs.
func (w *Writer) linkSimilar(ctx context.Context, documentID string, vec []float32) error {
	hits, err := w.vectors.Search(ctx, w.cfg.Collection, vec, similarityCandidates,
		float32(w.cfg.SimilarityThreshold), documentID)
	if err != nil {
		return err
	}

	best := map[string]float64{}
	order := []string{}
	for _, hit := range hits {
		if hit.DocumentID == "" || hit.DocumentID == documentID {
			continue
		}
		if score := float64(hit.Score); score > best[hit.DocumentID] {
			if _, seen := best[hit.DocumentID]; !seen {
				order = append(order, hit.DocumentID)
			}
			best[hit.DocumentID] = score
		}
	}
	if len(order) > similarityKeep {
		order = order[:similarityKeep]
	}
	for _, other := range order {
		if err := w.chunks.UpsertSimilarity(ctx, documentID, other, best[other]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a document from all three indexes. Object storage and
// the document row itself stay with the caller.
func (w *Writer) Delete(ctx context.Context, documentID string) error {
	children, err := w.chunks.ChildrenByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	ids := make([]string, len(children))
	for i, child := range children {
		ids[i] = child.ID
	}
	if err := w.vectors.DeleteByDocument(ctx, w.cfg.Collection, documentID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := w.keyword.Remove(ids); err != nil {
		return fmt.Errorf("remove keyword mapping: %w", err)
	}
	return w.chunks.DeleteByDocument(ctx, documentID)
}
