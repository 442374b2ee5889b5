// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianEdge/services/indexer/bm25"
)

const (
	defaultTopK = 5
	maxTopK     = 50

	// chunkFanout oversamples chunk hits so deduplication to unique
	// documents still fills topK.
	chunkFanout = 4

	// rebuildPageSize bounds one database page during a BM25 rebuild.
	rebuildPageSize = 500
)

// searchRequest is the POST /search body.
type searchRequest struct {
	Query string `json:"query" binding:"required"`
	TopK  int    `json:"top_k"`
}

// searchResult is one unique document in the merged ranking.
type searchResult struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
	Sources    string  `json:"sources"`
}

// Search runs the hybrid query: cosine similarity over the vector
// collection merged with BM25 over the keyword index, deduplicated to
// unique documents with the best chunk kept as preview.
func (h *Handlers) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	ctx := c.Request.Context()

	vecs, err := h.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil || len(vecs) != 1 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "query embedding failed"})
		return
	}
	hits, err := h.vectors.Search(ctx, h.collection, vecs[0],
		uint64(topK*chunkFanout), 0, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type candidate struct {
		score   float64
		preview string
		vector  bool
		keyword bool
	}
	merged := map[string]*candidate{}
	order := []string{}

	for _, hit := range hits {
		cand, ok := merged[hit.DocumentID]
		if !ok {
			cand = &candidate{}
			merged[hit.DocumentID] = cand
			order = append(order, hit.DocumentID)
		}
		cand.vector = true
		if float64(hit.Score) > cand.score {
			cand.score = float64(hit.Score)
			cand.preview = hit.Text
		}
	}

	keywordHits := h.keyword.Search(req.Query, topK*chunkFanout)
	if len(keywordHits) > 0 {
		// BM25 scores are unbounded; normalize against the best hit so
		// they merge onto the cosine scale.
		best := keywordHits[0].Score
		ids := make([]string, len(keywordHits))
		for i, hit := range keywordHits {
			ids[i] = hit.ID
		}
		children, err := h.chunks.ChildrenByIDs(ctx, ids)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		byID := make(map[string]int, len(children))
		for i, child := range children {
			byID[child.ID] = i
		}
		for _, hit := range keywordHits {
			i, ok := byID[hit.ID]
			if !ok {
				continue
			}
			child := children[i]
			normalized := hit.Score / best
			cand, seen := merged[child.DocumentID]
			if !seen {
				cand = &candidate{}
				merged[child.DocumentID] = cand
				order = append(order, child.DocumentID)
			}
			cand.keyword = true
			if normalized > cand.score {
				cand.score = normalized
				cand.preview = child.Content
			}
		}
	}

	results := make([]searchResult, 0, len(order))
	for _, docID := range order {
		cand := merged[docID]
		result := searchResult{
			DocumentID: docID,
			Score:      cand.score,
			Preview:    preview(cand.preview),
			Sources:    sourcesLabel(cand.vector, cand.keyword),
		}
		if doc, err := h.docs.Get(ctx, docID); err == nil && doc != nil {
			result.Title = doc.Title.String
			result.Filename = doc.OriginalFilename
		}
		results = append(results, result)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	c.JSON(http.StatusOK, gin.H{"query": req.Query, "results": results})
}

// RebuildBM25 reindexes the keyword index from the chunk rows.
func (h *Handlers) RebuildBM25(c *gin.Context) {
	ctx := c.Request.Context()
	total, err := h.chunks.CountChildren(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	docs := make([]bm25.Document, 0, total)
	for offset := 0; ; offset += rebuildPageSize {
		children, err := h.chunks.PageChildren(ctx, offset, rebuildPageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(children) == 0 {
			break
		}
		for _, child := range children {
			docs = append(docs, bm25.Document{ID: child.ID, Text: child.Content})
		}
	}

	if err := h.keyword.Rebuild(ctx, docs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed_chunks": len(docs)})
}

// previewRunes bounds the snippet returned per result.
const previewRunes = 500

func preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > previewRunes {
		runes = runes[:previewRunes]
	}
	return string(runes)
}

func sourcesLabel(vector, keyword bool) string {
	switch {
	case vector && keyword:
		return "vector+bm25"
	case keyword:
		return "bm25"
	default:
		return "vector"
	}
}
