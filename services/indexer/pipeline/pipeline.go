// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the ingest engine of the indexer: it scans the
// object store on a fixed period, deduplicates by content hash, parses
// and analyzes new files, and drives the chunker and the dual-index
// writer. Scans are strictly sequential; the HTTP trigger only spawns a
// one-shot scan when none is running.
//
// # Thread Safety
//
// Run owns the scan cadence. TriggerScan and Status may be called from
// any goroutine.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/objectstore"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
	"github.com/AleutianAI/AleutianEdge/services/indexer/writer"
)

// errRingSize bounds the recent-error list served by /status.
const errRingSize = 20

// ObjectSource is the bucket surface the scan loop reads.
type ObjectSource interface {
	List(ctx context.Context) ([]objectstore.Object, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// DocumentStore is the relational slice the pipeline drives.
type DocumentStore interface {
	Create(ctx context.Context, d *store.Document) (string, error)
	Get(ctx context.Context, id string) (*store.Document, error)
	FindLiveByContentHash(ctx context.Context, hash string) (*store.Document, error)
	MarkProcessing(ctx context.Context, id string) error
	ResetForReindex(ctx context.Context, id string) error
	MarkIndexed(ctx context.Context, id string, facts store.IndexedFacts) error
	MarkFailed(ctx context.Context, id, message string) error
	SoftDelete(ctx context.Context, id string) error
}

// DocumentIndexer is the writer surface.
type DocumentIndexer interface {
	Index(ctx context.Context, req writer.Request) (int, error)
	Delete(ctx context.Context, documentID string) error
}

// Config tunes the pipeline.
type Config struct {
	ScanInterval   time.Duration
	MaxSizeBytes   int64
	AIAnalysis     bool
	EmbeddingModel string
}

// ScanError is one entry of the bounded error ring.
type ScanError struct {
	Object string    `json:"object"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Status is the snapshot served by GET /status.
type Status struct {
	Scanning     bool        `json:"scanning"`
	LastScanAt   time.Time   `json:"last_scan_at"`
	LastScanSeen int         `json:"last_scan_seen"`
	ScanCount    int64       `json:"scan_count"`
	RecentErrors []ScanError `json:"recent_errors"`
}

// Pipeline drives ingest end to end.
type Pipeline struct {
	cfg       Config
	objects   ObjectSource
	docs      DocumentStore
	indexer   DocumentIndexer
	extractor *Extractor
	analyzer  *Analyzer
	cache     *ScanCache
	logger    *logging.Logger
	metrics   *observability.IndexerMetrics

	scanning atomic.Bool

	mu         sync.Mutex
	lastScanAt time.Time
	lastSeen   int
	scanCount  int64
	errRing    []ScanError
}

// New assembles a Pipeline. analyzer and cache may be nil.
func New(cfg Config, objects ObjectSource, docs DocumentStore, indexer DocumentIndexer,
	extractor *Extractor, analyzer *Analyzer, cache *ScanCache,
	logger *logging.Logger, metrics *observability.IndexerMetrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		objects:   objects,
		docs:      docs,
		indexer:   indexer,
		extractor: extractor,
		analyzer:  analyzer,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run scans immediately and then on every tick until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.scanOnce(ctx)
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.scanOnce(ctx)
		}
	}
}

// TriggerScan starts a one-shot scan unless one is already running.
// Reports whether a scan was started.
func (p *Pipeline) TriggerScan(ctx context.Context) bool {
	if p.scanning.Load() {
		return false
	}
	go p.scanOnce(ctx)
	return true
}

// Status returns the current scan snapshot.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	ring := make([]ScanError, len(p.errRing))
	copy(ring, p.errRing)
	return Status{
		Scanning:     p.scanning.Load(),
		LastScanAt:   p.lastScanAt,
		LastScanSeen: p.lastSeen,
		ScanCount:    p.scanCount,
		RecentErrors: ring,
	}
}

// scanOnce walks the bucket. Guarded so overlapping scans collapse.
func (p *Pipeline) scanOnce(ctx context.Context) {
	if !p.scanning.CompareAndSwap(false, true) {
		return
	}
	defer p.scanning.Store(false)

	objects, err := p.objects.List(ctx)
	if err != nil {
		p.logger.Error("bucket scan failed", "error", err)
		p.recordError("", err)
		return
	}

	seen := 0
	for _, object := range objects {
		if ctx.Err() != nil {
			return
		}
		if !Supported(object.Key) {
			continue
		}
		seen++
		if err := p.processObject(ctx, object); err != nil {
			p.logger.Error("object processing failed", "object", object.Key, "error", err)
			p.recordError(object.Key, err)
		}
	}

	p.mu.Lock()
	p.lastScanAt = time.Now()
	p.lastSeen = seen
	p.scanCount++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ScanCyclesTotal.Inc()
	}
}

// FileHash is the cheap pre-download fingerprint of an object.
func FileHash(key string, size int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", key, size)))
	return hex.EncodeToString(sum[:])
}

// ContentHash fingerprints the object body.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) processObject(ctx context.Context, object objectstore.Object) error {
	fileHash := FileHash(object.Key, object.Size)
	if p.cache != nil {
		if id, err := p.cache.Lookup(fileHash); err != nil {
			p.logger.Warn("scan cache lookup failed", "error", err)
		} else if id != "" {
			return nil
		}
	}

	if object.Size > p.cfg.MaxSizeBytes {
		return p.auditOversized(ctx, object, fileHash)
	}

	data, err := p.objects.Read(ctx, object.Key)
	if err != nil {
		return fmt.Errorf("read %q: %w", object.Key, err)
	}
	contentHash := ContentHash(data)

	doc, err := p.docs.FindLiveByContentHash(ctx, contentHash)
	if err != nil {
		return err
	}
	switch {
	case doc == nil:
		id, err := p.docs.Create(ctx, &store.Document{
			ContentHash:      contentHash,
			FileHash:         fileHash,
			OriginalFilename: filepath.Base(object.Key),
			ObjectPath:       object.Key,
			SizeBytes:        object.Size,
			MimeType:         object.ContentType,
			Extension:        strings.ToLower(filepath.Ext(object.Key)),
			Status:           store.StatusPending,
		})
		if err != nil {
			return err
		}
		doc, err = p.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return fmt.Errorf("document %s vanished after create", id)
		}
	case doc.Status == store.StatusIndexed:
		p.logger.Info("document already indexed (content match)",
			"document_id", doc.ID, "object", object.Key)
		p.cacheStore(fileHash, doc.ID)
		return nil
	case doc.Status == store.StatusProcessing:
		// Leftover of a run that died mid-flight: scans are strictly
		// sequential, so nothing else can own this row. Chunk and point
		// ids are deterministic, a rerun overwrites rather than
		// duplicates.
		p.logger.Info("resuming interrupted document",
			"document_id", doc.ID, "object", object.Key)
	case doc.Status == store.StatusFailed && !doc.Retryable():
		p.cacheStore(fileHash, doc.ID)
		return nil
	}

	return p.indexDocument(ctx, doc, object, data, fileHash)
}

// auditOversized creates a failed row once so the rejection is visible.
func (p *Pipeline) auditOversized(ctx context.Context, object objectstore.Object, fileHash string) error {
	id, err := p.docs.Create(ctx, &store.Document{
		ContentHash:      fileHash, // body never read; the cheap hash stands in
		FileHash:         fileHash,
		OriginalFilename: filepath.Base(object.Key),
		ObjectPath:       object.Key,
		SizeBytes:        object.Size,
		Extension:        strings.ToLower(filepath.Ext(object.Key)),
		Status:           store.StatusPending,
	})
	if err != nil {
		return err
	}
	message := fmt.Sprintf("file size %d exceeds limit %d bytes", object.Size, p.cfg.MaxSizeBytes)
	if err := p.docs.MarkFailed(ctx, id, message); err != nil {
		return err
	}
	// Pin retries out: the size never changes, so cache the verdict.
	p.cacheStore(fileHash, id)
	if p.metrics != nil {
		p.metrics.DocumentsProcessedTotal.WithLabelValues("skipped").Inc()
	}
	p.logger.Warn("oversized file rejected", "object", object.Key, "size", object.Size)
	return nil
}

func (p *Pipeline) indexDocument(ctx context.Context, doc *store.Document,
	object objectstore.Object, data []byte, fileHash string) error {

	if err := p.docs.MarkProcessing(ctx, doc.ID); err != nil {
		return err
	}

	facts, req, err := p.prepare(ctx, doc, object, data)
	if err == nil {
		var chunks int
		chunks, err = p.indexer.Index(ctx, req)
		facts.ChunkCount = chunks
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.DocumentsProcessedTotal.WithLabelValues("failed").Inc()
			p.metrics.ExtractionErrorsTotal.WithLabelValues(formatLabel(object.Key)).Inc()
		}
		if markErr := p.docs.MarkFailed(ctx, doc.ID, err.Error()); markErr != nil {
			p.logger.Error("could not record failure", "document_id", doc.ID, "error", markErr)
		}
		return err
	}

	if err := p.docs.MarkIndexed(ctx, doc.ID, facts); err != nil {
		return err
	}
	p.cacheStore(fileHash, doc.ID)
	if p.metrics != nil {
		p.metrics.DocumentsProcessedTotal.WithLabelValues("indexed").Inc()
	}
	p.logger.Info("document indexed",
		"document_id", doc.ID, "object", object.Key,
		"chunks", facts.ChunkCount, "language", facts.Language)
	return nil
}

// prepare extracts, detects language, and analyzes one document.
func (p *Pipeline) prepare(ctx context.Context, doc *store.Document,
	object objectstore.Object, data []byte) (store.IndexedFacts, writer.Request, error) {

	extraction, err := p.extractor.Extract(ctx, object.Key, data)
	if err != nil {
		return store.IndexedFacts{}, writer.Request{}, err
	}
	language := DetectLanguage(extraction.Text)

	facts := store.IndexedFacts{
		Title:          extraction.Title,
		Author:         extraction.Author,
		Language:       language,
		PageCount:      extraction.PageCount,
		WordCount:      extraction.WordCount,
		CharCount:      extraction.CharCount,
		KeyTopics:      extraction.Keywords,
		EmbeddingModel: p.cfg.EmbeddingModel,
	}

	if p.cfg.AIAnalysis && p.analyzer != nil {
		if analysis, err := p.analyzer.Analyze(ctx, language, extraction.Text); err != nil {
			p.logger.Warn("ai analysis failed, falling back to term frequency",
				"document_id", doc.ID, "error", err)
			facts.KeyTopics = TermFrequencyTopics(extraction.Text)
		} else {
			facts.Summary = analysis.Summary
			if len(analysis.KeyTopics) > 0 {
				facts.KeyTopics = analysis.KeyTopics
			}
		}
	} else if len(facts.KeyTopics) == 0 {
		facts.KeyTopics = TermFrequencyTopics(extraction.Text)
	}

	title := facts.Title
	if title == "" {
		title = doc.OriginalFilename
	}
	req := writer.Request{
		DocumentID:   doc.ID,
		DocumentName: doc.OriginalFilename,
		Title:        title,
		Language:     language,
		Text:         extraction.Text,
	}
	return facts, req, nil
}

// Delete fans a document deletion out to every index, the object store,
// and finally the tombstone on the row itself.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	doc, err := p.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s %w", id, store.ErrNotFound)
	}

	if err := p.indexer.Delete(ctx, id); err != nil {
		return err
	}
	if err := p.objects.Remove(ctx, doc.ObjectPath); err != nil {
		p.logger.Warn("object removal failed during delete", "object", doc.ObjectPath, "error", err)
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(doc.FileHash); err != nil {
			p.logger.Warn("scan cache invalidation failed", "error", err)
		}
	}
	return p.docs.SoftDelete(ctx, id)
}

// Reindex resets a document to pending and drops its scan-cache entry,
// so the next scan re-processes the object instead of taking the
// file-hash fast path.
func (p *Pipeline) Reindex(ctx context.Context, id string) error {
	doc, err := p.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s %w", id, store.ErrNotFound)
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(doc.FileHash); err != nil {
			p.logger.Warn("scan cache invalidation failed", "error", err)
		}
	}
	return p.docs.ResetForReindex(ctx, id)
}

func (p *Pipeline) cacheStore(fileHash, documentID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Store(fileHash, documentID); err != nil {
		p.logger.Warn("scan cache store failed", "error", err)
	}
}

func (p *Pipeline) recordError(object string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errRing = append(p.errRing, ScanError{Object: object, Error: err.Error(), At: time.Now()})
	if len(p.errRing) > errRingSize {
		p.errRing = p.errRing[len(p.errRing)-errRingSize:]
	}
}

func formatLabel(key string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(key)), ".")
}
