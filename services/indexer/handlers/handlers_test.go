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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/bm25"
	"github.com/AleutianAI/AleutianEdge/services/indexer/pipeline"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
)

type fakeDocs struct {
	docs       map[string]*store.Document
	listed     []store.Document
	updated    map[string]map[string]any
	statistics store.Statistics
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[string]*store.Document{}, updated: map[string]map[string]any{}}
}

func (f *fakeDocs) Get(_ context.Context, id string) (*store.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocs) List(_ context.Context, opts store.ListOptions) ([]store.Document, error) {
	if opts.OrderBy != "" && opts.OrderBy != "uploaded_at" && opts.OrderBy != "title" {
		return nil, fmt.Errorf("order by %q %w", opts.OrderBy, store.ErrOrderNotAllowed)
	}
	return f.listed, nil
}

func (f *fakeDocs) Update(_ context.Context, id string, fields map[string]any) error {
	for column := range fields {
		if column != "title" && column != "key_topics" {
			return fmt.Errorf("field %q %w", column, store.ErrFieldNotAllowed)
		}
	}
	if _, ok := f.docs[id]; !ok {
		return fmt.Errorf("document %s %w", id, store.ErrNotFound)
	}
	f.updated[id] = fields
	return nil
}

func (f *fakeDocs) Statistics(context.Context) (store.Statistics, error) {
	return f.statistics, nil
}

type fakeChunks struct {
	similar  []store.Similarity
	children map[string]store.ChildChunk
	pages    []store.ChildChunk
}

func (f *fakeChunks) SimilarDocuments(_ context.Context, _ string) ([]store.Similarity, error) {
	return f.similar, nil
}

func (f *fakeChunks) ChildrenByIDs(_ context.Context, ids []string) ([]store.ChildChunk, error) {
	var out []store.ChildChunk
	for _, id := range ids {
		if child, ok := f.children[id]; ok {
			out = append(out, child)
		}
	}
	return out, nil
}

func (f *fakeChunks) PageChildren(_ context.Context, offset, limit int) ([]store.ChildChunk, error) {
	if offset >= len(f.pages) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.pages) {
		end = len(f.pages)
	}
	return f.pages[offset:end], nil
}

func (f *fakeChunks) CountChildren(context.Context) (int, error) {
	return len(f.pages), nil
}

type fakeIngest struct {
	status     pipeline.Status
	scanBusy   bool
	deleted    []string
	deleteErr  error
	reindexed  []string
	reindexErr error
}

func (f *fakeIngest) Status() pipeline.Status { return f.status }

func (f *fakeIngest) TriggerScan(context.Context) bool { return !f.scanBusy }

func (f *fakeIngest) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIngest) Reindex(_ context.Context, id string) error {
	if f.reindexErr != nil {
		return f.reindexErr
	}
	f.reindexed = append(f.reindexed, id)
	return nil
}

type fakeKeyword struct {
	results []bm25.Result
	mapped  int
	indexed int
	rebuilt []bm25.Document
}

func (f *fakeKeyword) Search(_ string, topK int) []bm25.Result {
	if len(f.results) > topK {
		return f.results[:topK]
	}
	return f.results
}

func (f *fakeKeyword) Count() (int, int) { return f.mapped, f.indexed }

func (f *fakeKeyword) Rebuild(_ context.Context, docs []bm25.Document) error {
	f.rebuilt = docs
	return nil
}

type fakeVectors struct {
	hits   []vector.Hit
	points uint64
}

func (f *fakeVectors) Search(_ context.Context, _ string, _ []float32, _ uint64,
	_ float32, _ string) ([]vector.Hit, error) {
	return f.hits, nil
}

func (f *fakeVectors) Count(context.Context, string) (uint64, error) {
	return f.points, nil
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding server down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type env struct {
	docs    *fakeDocs
	chunks  *fakeChunks
	ingest  *fakeIngest
	keyword *fakeKeyword
	vectors *fakeVectors
	embed   *fakeEmbedder
	router  *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		docs:    newFakeDocs(),
		chunks:  &fakeChunks{children: map[string]store.ChildChunk{}},
		ingest:  &fakeIngest{},
		keyword: &fakeKeyword{},
		vectors: &fakeVectors{},
		embed:   &fakeEmbedder{},
	}
	e.router = gin.New()
	New("edge_documents", e.docs, e.chunks, e.ingest, e.keyword, e.vectors, e.embed).
		Register(e.router)
	return e
}

func (e *env) request(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func testDoc(id, title string) *store.Document {
	return &store.Document{
		ID:               id,
		OriginalFilename: "datei.pdf",
		Status:           store.StatusIndexed,
		Title:            sql.NullString{String: title, Valid: title != ""},
	}
}

func TestGetStatus(t *testing.T) {
	e := newEnv(t)
	e.ingest.status = pipeline.Status{ScanCount: 7, LastScanSeen: 3}

	rec, body := e.request(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), body["scan_count"])
	assert.Equal(t, float64(3), body["last_scan_seen"])
}

func TestGetStatistics(t *testing.T) {
	e := newEnv(t)
	e.docs.statistics = store.Statistics{Total: 12, Indexed: 10}
	e.keyword.mapped = 300
	e.keyword.indexed = 290
	e.vectors.points = 300

	rec, body := e.request(t, http.MethodGet, "/statistics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(300), body["vector_points"])
	bm := body["bm25"].(map[string]any)
	assert.Equal(t, float64(300), bm["mapped_chunks"])
	assert.Equal(t, float64(290), bm["indexed_chunks"])
}

func TestListDocumentsRejectsUnknownOrder(t *testing.T) {
	e := newEnv(t)
	rec, body := e.request(t, http.MethodGet, "/documents?order_by=uploaded_at;drop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "not permitted")
}

func TestListDocuments(t *testing.T) {
	e := newEnv(t)
	e.docs.listed = []store.Document{*testDoc("doc-1", "Eins"), *testDoc("doc-2", "Zwei")}

	rec, body := e.request(t, http.MethodGet, "/documents?order_by=title&desc=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestGetDocumentNotFound(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.request(t, http.MethodGet, "/documents/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDocumentRejectsUnknownField(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-1"] = testDoc("doc-1", "Alt")

	rec, body := e.request(t, http.MethodPatch, "/documents/doc-1",
		`{"content_hash": "forged"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "not updatable")
	assert.Empty(t, e.docs.updated)
}

func TestUpdateDocumentConvertsKeyTopics(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-1"] = testDoc("doc-1", "Alt")

	rec, _ := e.request(t, http.MethodPatch, "/documents/doc-1",
		`{"title": "Neu", "key_topics": ["netz", "anschluss"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, e.docs.updated, "doc-1")
	assert.Equal(t, []string{"netz", "anschluss"}, e.docs.updated["doc-1"]["key_topics"])
}

func TestDeleteDocument(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.request(t, http.MethodDelete, "/documents/doc-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"doc-1"}, e.ingest.deleted)
}

func TestDeleteDocumentNotFound(t *testing.T) {
	e := newEnv(t)
	e.ingest.deleteErr = fmt.Errorf("document ghost %w", store.ErrNotFound)
	rec, _ := e.request(t, http.MethodDelete, "/documents/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReindexDocument(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-1"] = testDoc("doc-1", "Alt")

	rec, body := e.request(t, http.MethodPost, "/documents/doc-1/reindex", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", body["status"])
	// Reindex goes through the pipeline so the scan-cache entry is
	// dropped together with the status reset.
	assert.Equal(t, []string{"doc-1"}, e.ingest.reindexed)
}

func TestReindexDocumentNotFound(t *testing.T) {
	e := newEnv(t)
	e.ingest.reindexErr = fmt.Errorf("document ghost %w", store.ErrNotFound)

	rec, _ := e.request(t, http.MethodPost, "/documents/ghost/reindex", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSimilarResolvesOtherSide(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-2"] = testDoc("doc-2", "Anschlussregeln")
	// Canonical pair ordering may place the queried id on either side.
	e.chunks.similar = []store.Similarity{
		{DocumentA: "doc-1", DocumentB: "doc-2", Score: 0.91},
	}

	rec, body := e.request(t, http.MethodGet, "/documents/doc-1/similar", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	similar := body["similar"].([]any)
	require.Len(t, similar, 1)
	entry := similar[0].(map[string]any)
	assert.Equal(t, "doc-2", entry["document_id"])
	assert.Equal(t, "Anschlussregeln", entry["title"])
}

func TestTriggerScanConflict(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.request(t, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e.ingest.scanBusy = true
	rec, body := e.request(t, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "already running")
}

func TestSearchRequiresQuery(t *testing.T) {
	e := newEnv(t)
	rec, _ := e.request(t, http.MethodPost, "/search", `{"top_k": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEmbedderDown(t *testing.T) {
	e := newEnv(t)
	e.embed.fail = true
	rec, _ := e.request(t, http.MethodPost, "/search", `{"query": "netzanschluss"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSearchMergesUniqueDocuments(t *testing.T) {
	e := newEnv(t)
	e.docs.docs["doc-1"] = testDoc("doc-1", "Netzanschluss")
	e.docs.docs["doc-2"] = testDoc("doc-2", "Wartung")
	// Two vector hits on doc-1; only the better one survives.
	e.vectors.hits = []vector.Hit{
		{ID: "c-1", Score: 0.70, DocumentID: "doc-1", Text: "schwacher treffer"},
		{ID: "c-2", Score: 0.92, DocumentID: "doc-1", Text: "starker treffer"},
	}
	// One keyword hit on doc-2.
	e.keyword.results = []bm25.Result{{ID: "c-9", Score: 4.2}}
	e.chunks.children["c-9"] = store.ChildChunk{
		ID: "c-9", DocumentID: "doc-2", Content: "wartung des netzanschlusses",
	}

	rec, body := e.request(t, http.MethodPost, "/search", `{"query": "netzanschluss", "top_k": 5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	results := body["results"].([]any)
	require.Len(t, results, 2)

	// The top BM25 hit normalizes to 1.0 and outranks the cosine hit.
	first := results[0].(map[string]any)
	assert.Equal(t, "doc-2", first["document_id"])
	assert.Equal(t, float64(1), first["score"])
	assert.Equal(t, "bm25", first["sources"])

	second := results[1].(map[string]any)
	assert.Equal(t, "doc-1", second["document_id"])
	assert.InDelta(t, 0.92, second["score"].(float64), 1e-6)
	assert.Equal(t, "starker treffer", second["preview"])
	assert.Equal(t, "Netzanschluss", second["title"])
	assert.Equal(t, "vector", second["sources"])
}

func TestSearchHonorsTopK(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("doc-%d", i)
		e.docs.docs[id] = testDoc(id, "T")
		e.vectors.hits = append(e.vectors.hits, vector.Hit{
			ID: fmt.Sprintf("c-%d", i), Score: float32(1) - float32(i)/100,
			DocumentID: id, Text: "text",
		})
	}

	rec, body := e.request(t, http.MethodPost, "/search", `{"query": "netz", "top_k": 3}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["results"].([]any), 3)
}

func TestRebuildBM25PagesAllChunks(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 7; i++ {
		e.chunks.pages = append(e.chunks.pages, store.ChildChunk{
			ID:      fmt.Sprintf("c-%d", i),
			Content: fmt.Sprintf("abschnitt %d", i),
		})
	}

	rec, body := e.request(t, http.MethodPost, "/bm25/rebuild", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), body["indexed_chunks"])
	require.Len(t, e.keyword.rebuilt, 7)
	assert.Equal(t, "c-0", e.keyword.rebuilt[0].ID)
}
