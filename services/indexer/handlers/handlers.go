// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the HTTP surface of the indexer service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/bm25"
	"github.com/AleutianAI/AleutianEdge/services/indexer/pipeline"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
)

// DocumentStore is the relational surface the handlers drive.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*store.Document, error)
	List(ctx context.Context, opts store.ListOptions) ([]store.Document, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Statistics(ctx context.Context) (store.Statistics, error)
}

// ChunkStore resolves chunk rows for search and similarity.
type ChunkStore interface {
	SimilarDocuments(ctx context.Context, documentID string) ([]store.Similarity, error)
	ChildrenByIDs(ctx context.Context, ids []string) ([]store.ChildChunk, error)
	PageChildren(ctx context.Context, offset, limit int) ([]store.ChildChunk, error)
	CountChildren(ctx context.Context) (int, error)
}

// Ingest is the pipeline surface: scan control, reindex, and fan-out
// deletion.
type Ingest interface {
	Status() pipeline.Status
	TriggerScan(ctx context.Context) bool
	Delete(ctx context.Context, id string) error
	Reindex(ctx context.Context, id string) error
}

// KeywordIndex is the BM25 surface.
type KeywordIndex interface {
	Search(query string, topK int) []bm25.Result
	Count() (mapped, indexed int)
	Rebuild(ctx context.Context, docs []bm25.Document) error
}

// VectorSearcher is the Qdrant slice search needs.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vec []float32, limit uint64,
		scoreThreshold float32, excludeDocument string) ([]vector.Hit, error)
	Count(ctx context.Context, collection string) (uint64, error)
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Handlers bundles the indexer's HTTP endpoints.
type Handlers struct {
	collection string
	docs       DocumentStore
	chunks     ChunkStore
	ingest     Ingest
	keyword    KeywordIndex
	vectors    VectorSearcher
	embedder   QueryEmbedder
}

// New builds the handler set. collection is the canonical vector
// collection name.
func New(collection string, docs DocumentStore, chunks ChunkStore, ingest Ingest,
	keyword KeywordIndex, vectors VectorSearcher, embedder QueryEmbedder) *Handlers {
	return &Handlers{
		collection: collection,
		docs:       docs,
		chunks:     chunks,
		ingest:     ingest,
		keyword:    keyword,
		vectors:    vectors,
		embedder:   embedder,
	}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/status", h.GetStatus)
	r.GET("/statistics", h.GetStatistics)
	r.GET("/documents", h.ListDocuments)
	r.GET("/documents/:id", h.GetDocument)
	r.PATCH("/documents/:id", h.UpdateDocument)
	r.DELETE("/documents/:id", h.DeleteDocument)
	r.POST("/documents/:id/reindex", h.ReindexDocument)
	r.GET("/documents/:id/similar", h.GetSimilar)
	r.POST("/scan", h.TriggerScan)
	r.POST("/search", h.Search)
	r.POST("/bm25/rebuild", h.RebuildBM25)
}

// GetStatus returns the live scan snapshot.
func (h *Handlers) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.ingest.Status())
}

// GetStatistics aggregates document, chunk, and index counts.
func (h *Handlers) GetStatistics(c *gin.Context) {
	stats, err := h.docs.Statistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mapped, indexed := h.keyword.Count()
	points, err := h.vectors.Count(c.Request.Context(), h.collection)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documents":     stats,
		"vector_points": points,
		"bm25": gin.H{
			"mapped_chunks":  mapped,
			"indexed_chunks": indexed,
		},
	})
}

// ListDocuments serves the paginated document listing.
func (h *Handlers) ListDocuments(c *gin.Context) {
	opts := store.ListOptions{
		Status:  c.Query("status"),
		OrderBy: c.Query("order_by"),
		Desc:    c.Query("desc") == "true",
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}
	docs, err := h.docs.List(c.Request.Context(), opts)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotAllowed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

// GetDocument serves one document row.
func (h *Handlers) GetDocument(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// UpdateDocument applies a whitelisted partial update.
func (h *Handlers) UpdateDocument(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	// JSON arrays arrive as []any; the store wants []string.
	if raw, ok := fields["key_topics"].([]any); ok {
		topics := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				topics = append(topics, s)
			}
		}
		fields["key_topics"] = topics
	}
	err := h.docs.Update(c.Request.Context(), c.Param("id"), fields)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"updated": true})
	case errors.Is(err, store.ErrFieldNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// DeleteDocument fans the deletion out through the pipeline.
func (h *Handlers) DeleteDocument(c *gin.Context) {
	err := h.ingest.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ReindexDocument resets a row and its scan-cache entry so the next
// scan re-processes it.
func (h *Handlers) ReindexDocument(c *gin.Context) {
	err := h.ingest.Reindex(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": store.StatusPending})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetSimilar lists pre-computed similar documents with titles.
func (h *Handlers) GetSimilar(c *gin.Context) {
	id := c.Param("id")
	pairs, err := h.chunks.SimilarDocuments(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	results := make([]gin.H, 0, len(pairs))
	for _, pair := range pairs {
		other := pair.DocumentA
		if other == id {
			other = pair.DocumentB
		}
		entry := gin.H{
			"document_id": other,
			"score":       pair.Score,
			"computed_at": pair.ComputedAt,
		}
		if doc, err := h.docs.Get(c.Request.Context(), other); err == nil && doc != nil {
			entry["title"] = doc.Title.String
			entry["filename"] = doc.OriginalFilename
		}
		results = append(results, entry)
	}
	c.JSON(http.StatusOK, gin.H{"similar": results})
}

// TriggerScan starts a one-shot scan unless one is already running.
func (h *Handlers) TriggerScan(c *gin.Context) {
	if !h.ingest.TriggerScan(c.Request.Context()) {
		c.JSON(http.StatusConflict, gin.H{"error": "scan already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan": "started"})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
