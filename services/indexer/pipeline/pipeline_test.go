// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEdge/pkg/objectstore"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
	"github.com/AleutianAI/AleutianEdge/services/indexer/writer"
)

type fakeObjects struct {
	objects []objectstore.Object
	data    map[string][]byte
	removed []string
	listErr error
}

func (f *fakeObjects) List(context.Context) ([]objectstore.Object, error) {
	return f.objects, f.listErr
}

func (f *fakeObjects) Read(_ context.Context, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("no such object %q", key)
	}
	return data, nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

type fakeDocs struct {
	byHash     map[string]*store.Document
	byID       map[string]*store.Document
	nextID     int
	created    []*store.Document
	processing []string
	indexed    map[string]store.IndexedFacts
	failed     map[string]string
	deleted    []string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		byHash:  map[string]*store.Document{},
		byID:    map[string]*store.Document{},
		indexed: map[string]store.IndexedFacts{},
		failed:  map[string]string{},
	}
}

func (f *fakeDocs) Create(_ context.Context, d *store.Document) (string, error) {
	f.nextID++
	id := fmt.Sprintf("doc-%d", f.nextID)
	clone := *d
	clone.ID = id
	f.created = append(f.created, &clone)
	f.byID[id] = &clone
	f.byHash[clone.ContentHash] = &clone
	return id, nil
}

func (f *fakeDocs) Get(_ context.Context, id string) (*store.Document, error) {
	return f.byID[id], nil
}

func (f *fakeDocs) FindLiveByContentHash(_ context.Context, hash string) (*store.Document, error) {
	return f.byHash[hash], nil
}

func (f *fakeDocs) MarkProcessing(_ context.Context, id string) error {
	f.processing = append(f.processing, id)
	f.byID[id].Status = store.StatusProcessing
	return nil
}

func (f *fakeDocs) MarkIndexed(_ context.Context, id string, facts store.IndexedFacts) error {
	f.indexed[id] = facts
	f.byID[id].Status = store.StatusIndexed
	return nil
}

func (f *fakeDocs) MarkFailed(_ context.Context, id, message string) error {
	f.failed[id] = message
	f.byID[id].Status = store.StatusFailed
	f.byID[id].RetryCount++
	return nil
}

func (f *fakeDocs) ResetForReindex(_ context.Context, id string) error {
	doc, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("document %s %w", id, store.ErrNotFound)
	}
	doc.Status = store.StatusPending
	doc.RetryCount = 0
	return nil
}

func (f *fakeDocs) SoftDelete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeIndexer struct {
	requests []writer.Request
	deleted  []string
	chunks   int
	err      error
}

func (f *fakeIndexer) Index(_ context.Context, req writer.Request) (int, error) {
	f.requests = append(f.requests, req)
	return f.chunks, f.err
}

func (f *fakeIndexer) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newPipeline(t *testing.T, objects *fakeObjects, docs *fakeDocs, idx *fakeIndexer) *Pipeline {
	t.Helper()
	logger := testLogger(t)
	return New(Config{
		ScanInterval:   time.Minute,
		MaxSizeBytes:   1 << 20,
		EmbeddingModel: "google/embeddinggemma-300m",
	}, objects, docs, idx, NewExtractor(nil, logger), nil, nil, logger, nil)
}

func txtObject(key, text string) (objectstore.Object, []byte) {
	data := []byte(text)
	return objectstore.Object{Key: key, Size: int64(len(data)), ContentType: "text/plain"}, data
}

func TestScanIndexesNewDocument(t *testing.T) {
	obj, data := txtObject("docs/hinweis.txt", "Der Netzbetreiber prüft die Anlage vor der Inbetriebnahme gründlich.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	idx := &fakeIndexer{chunks: 3}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())

	require.Len(t, docs.created, 1)
	created := docs.created[0]
	assert.Equal(t, "hinweis.txt", created.OriginalFilename)
	assert.Equal(t, ContentHash(data), created.ContentHash)
	assert.Equal(t, []string{created.ID}, docs.processing)

	facts, ok := docs.indexed[created.ID]
	require.True(t, ok)
	assert.Equal(t, 3, facts.ChunkCount)
	assert.Equal(t, "de", facts.Language)
	assert.Equal(t, "google/embeddinggemma-300m", facts.EmbeddingModel)

	require.Len(t, idx.requests, 1)
	assert.Equal(t, created.ID, idx.requests[0].DocumentID)
	assert.Equal(t, "hinweis.txt", idx.requests[0].Title) // no extracted title

	status := p.Status()
	assert.Equal(t, 1, status.LastScanSeen)
	assert.Equal(t, int64(1), status.ScanCount)
	assert.Empty(t, status.RecentErrors)
}

func TestScanSkipsUnsupportedExtensions(t *testing.T) {
	objects := &fakeObjects{objects: []objectstore.Object{{Key: "bild.png", Size: 10}}}
	docs := newFakeDocs()
	p := newPipeline(t, objects, docs, &fakeIndexer{})

	p.scanOnce(context.Background())
	assert.Empty(t, docs.created)
	assert.Equal(t, 0, p.Status().LastScanSeen)
}

func TestScanSkipsAlreadyIndexed(t *testing.T) {
	obj, data := txtObject("docs/alt.txt", "Bereits indexierter Inhalt des Dokuments.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	docs.byHash[ContentHash(data)] = &store.Document{ID: "doc-old", Status: store.StatusIndexed}
	docs.byID["doc-old"] = docs.byHash[ContentHash(data)]
	idx := &fakeIndexer{}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	assert.Empty(t, docs.created)
	assert.Empty(t, idx.requests)
}

func TestScanResumesPendingRow(t *testing.T) {
	obj, data := txtObject("docs/wieder.txt", "Inhalt eines zuvor abgebrochenen Laufs.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	pending := &store.Document{ID: "doc-old", Status: store.StatusPending, OriginalFilename: "wieder.txt"}
	docs.byHash[ContentHash(data)] = pending
	docs.byID["doc-old"] = pending
	idx := &fakeIndexer{chunks: 1}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	// Resumed into the same row; no new document created.
	assert.Empty(t, docs.created)
	require.Len(t, idx.requests, 1)
	assert.Equal(t, "doc-old", idx.requests[0].DocumentID)
	assert.Contains(t, docs.indexed, "doc-old")
}

func TestScanResumesStuckProcessingRow(t *testing.T) {
	obj, data := txtObject("docs/haengt.txt", "Inhalt eines mitten im Lauf abgestürzten Dokuments.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	stuck := &store.Document{ID: "doc-old", Status: store.StatusProcessing, OriginalFilename: "haengt.txt"}
	docs.byHash[ContentHash(data)] = stuck
	docs.byID["doc-old"] = stuck
	idx := &fakeIndexer{chunks: 1}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	// A crashed run must not wedge the document: deterministic ids make
	// the rerun converge on the same rows and points.
	assert.Empty(t, docs.created)
	require.Len(t, idx.requests, 1)
	assert.Equal(t, "doc-old", idx.requests[0].DocumentID)
	assert.Contains(t, docs.indexed, "doc-old")
}

func TestScanStopsRetryingExhaustedFailures(t *testing.T) {
	obj, data := txtObject("docs/kaputt.txt", "Inhalt der dauerhaft fehlschlägt.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	exhausted := &store.Document{ID: "doc-old", Status: store.StatusFailed, RetryCount: 3}
	docs.byHash[ContentHash(data)] = exhausted
	docs.byID["doc-old"] = exhausted
	idx := &fakeIndexer{}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	assert.Empty(t, idx.requests)
}

func TestScanRetriesFailedUnderLimit(t *testing.T) {
	obj, data := txtObject("docs/retry.txt", "Inhalt der erneut versucht wird.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	failed := &store.Document{ID: "doc-old", Status: store.StatusFailed, RetryCount: 1, OriginalFilename: "retry.txt"}
	docs.byHash[ContentHash(data)] = failed
	docs.byID["doc-old"] = failed
	idx := &fakeIndexer{chunks: 2}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	require.Len(t, idx.requests, 1)
	assert.Contains(t, docs.indexed, "doc-old")
}

func TestOversizedFileAudited(t *testing.T) {
	big := objectstore.Object{Key: "docs/riesig.pdf", Size: 10 << 20}
	objects := &fakeObjects{objects: []objectstore.Object{big}}
	docs := newFakeDocs()
	idx := &fakeIndexer{}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	require.Len(t, docs.created, 1)
	id := docs.created[0].ID
	assert.Contains(t, docs.failed[id], "exceeds limit")
	assert.Empty(t, idx.requests)
	assert.Empty(t, p.Status().RecentErrors)
}

func TestIndexFailureMarksFailedAndRecordsError(t *testing.T) {
	obj, data := txtObject("docs/schlecht.txt", "Text der den Indexer scheitern lässt.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	idx := &fakeIndexer{err: fmt.Errorf("qdrant unreachable")}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	require.Len(t, docs.created, 1)
	id := docs.created[0].ID
	assert.Contains(t, docs.failed[id], "qdrant unreachable")

	status := p.Status()
	require.Len(t, status.RecentErrors, 1)
	assert.Equal(t, obj.Key, status.RecentErrors[0].Object)
}

func TestExtractionFailureMarksFailed(t *testing.T) {
	obj := objectstore.Object{Key: "docs/broken.docx", Size: 5}
	objects := &fakeObjects{
		objects: []objectstore.Object{obj},
		data:    map[string][]byte{obj.Key: []byte("nicht")},
	}
	docs := newFakeDocs()
	p := newPipeline(t, objects, docs, &fakeIndexer{})

	p.scanOnce(context.Background())
	require.Len(t, docs.created, 1)
	assert.NotEmpty(t, docs.failed[docs.created[0].ID])
}

func TestErrorRingBounded(t *testing.T) {
	p := newPipeline(t, &fakeObjects{}, newFakeDocs(), &fakeIndexer{})
	for i := 0; i < errRingSize+7; i++ {
		p.recordError(fmt.Sprintf("obj-%d", i), fmt.Errorf("boom"))
	}
	ring := p.Status().RecentErrors
	require.Len(t, ring, errRingSize)
	assert.Equal(t, "obj-7", ring[0].Object)
}

func TestTriggerScanRefusesConcurrent(t *testing.T) {
	p := newPipeline(t, &fakeObjects{}, newFakeDocs(), &fakeIndexer{})
	p.scanning.Store(true)
	assert.False(t, p.TriggerScan(context.Background()))
	p.scanning.Store(false)
}

func TestReindexClearsScanCacheFastPath(t *testing.T) {
	obj, data := txtObject("docs/korrektur.txt", "Inhalt der nach einer Korrektur erneut indexiert wird.")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	idx := &fakeIndexer{chunks: 1}
	logger := testLogger(t)
	cache, err := OpenScanCache(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	p := New(Config{ScanInterval: time.Minute, MaxSizeBytes: 1 << 20}, objects, docs, idx,
		NewExtractor(nil, logger), nil, cache, logger, nil)

	p.scanOnce(context.Background())
	require.Len(t, idx.requests, 1)
	id := idx.requests[0].DocumentID

	// The cached file hash short-circuits the rescan.
	p.scanOnce(context.Background())
	require.Len(t, idx.requests, 1)

	require.NoError(t, p.Reindex(context.Background(), id))
	assert.Equal(t, store.StatusPending, docs.byID[id].Status)

	// With the cache entry gone the next scan re-processes the object.
	p.scanOnce(context.Background())
	assert.Len(t, idx.requests, 2)
}

func TestReindexUnknownDocument(t *testing.T) {
	p := newPipeline(t, &fakeObjects{}, newFakeDocs(), &fakeIndexer{})
	err := p.Reindex(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestNoChunkResultMarksFailed(t *testing.T) {
	obj, data := txtObject("docs/leer.txt", "   \n\t   ")
	objects := &fakeObjects{objects: []objectstore.Object{obj}, data: map[string][]byte{obj.Key: data}}
	docs := newFakeDocs()
	idx := &fakeIndexer{err: fmt.Errorf("document doc-1: %w", writer.ErrNoChunks)}
	p := newPipeline(t, objects, docs, idx)

	p.scanOnce(context.Background())
	require.Len(t, docs.created, 1)
	id := docs.created[0].ID
	assert.NotContains(t, docs.indexed, id)
	assert.Contains(t, docs.failed[id], "no indexable text")
}

func TestDeleteFanOut(t *testing.T) {
	objects := &fakeObjects{}
	docs := newFakeDocs()
	docs.byID["doc-1"] = &store.Document{ID: "doc-1", ObjectPath: "docs/a.txt", FileHash: "fh"}
	idx := &fakeIndexer{}
	p := newPipeline(t, objects, docs, idx)

	require.NoError(t, p.Delete(context.Background(), "doc-1"))
	assert.Equal(t, []string{"doc-1"}, idx.deleted)
	assert.Equal(t, []string{"docs/a.txt"}, objects.removed)
	assert.Equal(t, []string{"doc-1"}, docs.deleted)
}

func TestDeleteUnknownDocument(t *testing.T) {
	p := newPipeline(t, &fakeObjects{}, newFakeDocs(), &fakeIndexer{})
	err := p.Delete(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFileHashStableAndSizeSensitive(t *testing.T) {
	assert.Equal(t, FileHash("a.txt", 10), FileHash("a.txt", 10))
	assert.NotEqual(t, FileHash("a.txt", 10), FileHash("a.txt", 11))
	assert.NotEqual(t, FileHash("a.txt", 10), FileHash("b.txt", 10))
}
