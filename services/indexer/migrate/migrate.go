// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate re-embeds the document corpus into a new vector
// collection, one batch at a time, and atomically swaps the canonical
// collection name over once the copy is complete. It is a one-shot
// program, not part of the live loop: interrupt it at any point and the
// next run resumes from the checkpoint.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
	"github.com/AleutianAI/AleutianEdge/services/indexer/writer"
)

const (
	// maxBatchAttempts bounds the embed retries of a single batch.
	maxBatchAttempts = 3

	// maxTotalErrors aborts the run once this many embed attempts have
	// failed across all batches. The checkpoint survives the abort.
	maxTotalErrors = 10

	// backoffBase scales linearly with the attempt number.
	backoffBase = 5 * time.Second

	// swapWarnRatio is the new/old point count below which the swap
	// still proceeds but complains loudly.
	swapWarnRatio = 0.8
)

// ChunkSource pages the child chunk rows being re-embedded.
type ChunkSource interface {
	PageChildren(ctx context.Context, offset, limit int) ([]store.ChildChunk, error)
	CountChildren(ctx context.Context) (int, error)
}

// DocumentSource resolves document metadata for rebuilt payloads.
type DocumentSource interface {
	Get(ctx context.Context, id string) (*store.Document, error)
}

// VectorStore is the Qdrant surface the migration drives.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize uint64) error
	Upsert(ctx context.Context, collection string, points []vector.Point) error
	Count(ctx context.Context, collection string) (uint64, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	CreateAlias(ctx context.Context, alias, collection string) error
}

// Embedder produces vectors for a batch of texts.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// Config shapes one migration run.
type Config struct {
	// CheckpointPath is where progress is persisted between batches.
	CheckpointPath string

	// CanonicalName is the collection name the indexer queries. After
	// the swap it becomes an alias onto TargetCollection.
	CanonicalName string

	// TargetCollection is the new physical collection.
	TargetCollection string

	// VectorSize is the target embedding dimension.
	VectorSize uint64

	// BatchSize is rows per page and texts per embed call.
	BatchSize int

	// DryRun reports what would happen without writing anything.
	DryRun bool

	// Resume continues from an existing checkpoint instead of starting
	// over.
	Resume bool
}

// extrasTarget is one auxiliary table carrying a single embedding
// column. Deployments without the table skip it with an info log.
type extrasTarget struct {
	Table           string
	IDColumn        string
	TextColumn      string
	EmbeddingColumn string
}

var extrasTargets = []extrasTarget{
	{Table: "space_summaries", IDColumn: "id", TextColumn: "summary", EmbeddingColumn: "embedding"},
	{Table: "category_summaries", IDColumn: "id", TextColumn: "summary", EmbeddingColumn: "embedding"},
}

// Migrator runs the chunks → swap → extras pipeline.
type Migrator struct {
	cfg      Config
	chunks   ChunkSource
	docs     DocumentSource
	vectors  VectorStore
	embedder Embedder
	db       *sqlx.DB
	logger   *logging.Logger

	sleep       func(time.Duration)
	totalErrors int
	docCache    map[string]*store.Document
}

// New assembles a Migrator. db may be nil when the extras phase is not
// selected.
func New(cfg Config, chunks ChunkSource, docs DocumentSource, vectors VectorStore,
	embedder Embedder, db *sqlx.DB, logger *logging.Logger) *Migrator {
	return &Migrator{
		cfg:      cfg,
		chunks:   chunks,
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		db:       db,
		logger:   logger,
		sleep:    time.Sleep,
		docCache: map[string]*store.Document{},
	}
}

// Run executes the selected phases in canonical order. The checkpoint
// is removed only when every selected phase finished.
func (m *Migrator) Run(ctx context.Context, phases []Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("no phases selected")
	}
	cp := &Checkpoint{}
	if m.cfg.Resume {
		loaded, err := LoadCheckpoint(m.cfg.CheckpointPath)
		if err != nil {
			return err
		}
		if loaded != nil {
			cp = loaded
			m.logger.Info("resuming migration",
				"phase", string(cp.Phase), "last_offset", cp.LastOffset,
				"completed_extras", len(cp.CompletedIDs))
		}
	}

	for _, phase := range phases {
		var err error
		switch phase {
		case PhaseChunks:
			if cp.Phase == PhaseSwap || cp.Phase == PhaseExtras {
				m.logger.Info("chunks phase already complete, skipping")
				continue
			}
			err = m.runChunks(ctx, cp)
		case PhaseSwap:
			if cp.Phase == PhaseExtras {
				m.logger.Info("swap phase already complete, skipping")
				continue
			}
			err = m.runSwap(ctx, cp)
		case PhaseExtras:
			err = m.runExtras(ctx, cp)
		default:
			err = fmt.Errorf("unknown phase %q", phase)
		}
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}

	if m.cfg.DryRun {
		return nil
	}
	// Partial runs (swap-only, skip-swap) keep the checkpoint so the
	// remaining phases can still resume. Only the terminal phase
	// retires it.
	if phases[len(phases)-1] == PhaseExtras {
		if err := RemoveCheckpoint(m.cfg.CheckpointPath); err != nil {
			return fmt.Errorf("remove checkpoint: %w", err)
		}
	}
	m.logger.Info("migration complete", "collection", m.cfg.TargetCollection)
	return nil
}

// runChunks copies every child chunk into the target collection with
// freshly computed vectors. Point ids are deterministic, so re-running a
// batch overwrites itself.
func (m *Migrator) runChunks(ctx context.Context, cp *Checkpoint) error {
	total, err := m.chunks.CountChildren(ctx)
	if err != nil {
		return err
	}
	offset := 0
	if cp.Phase == PhaseChunks {
		offset = cp.LastOffset
	}
	m.logger.Info("re-embedding chunks",
		"total", total, "offset", offset, "batch_size", m.cfg.BatchSize,
		"target", m.cfg.TargetCollection, "dim", m.cfg.VectorSize)

	if m.cfg.DryRun {
		m.logger.Info("dry run: would re-embed chunks", "remaining", total-offset)
		return nil
	}

	if err := m.vectors.EnsureCollection(ctx, m.cfg.TargetCollection, m.cfg.VectorSize); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := m.chunks.PageChildren(ctx, offset, m.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		if err := m.migrateBatch(ctx, rows); err != nil {
			return err
		}

		offset += len(rows)
		cp.Phase = PhaseChunks
		cp.LastOffset = offset
		if err := cp.Save(m.cfg.CheckpointPath); err != nil {
			return err
		}
		m.logger.Info("batch migrated", "offset", offset, "total", total)
	}

	cp.Phase = PhaseSwap
	cp.LastOffset = 0
	return cp.Save(m.cfg.CheckpointPath)
}

func (m *Migrator) migrateBatch(ctx context.Context, rows []store.ChildChunk) error {
	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = row.Content
	}
	vecs, err := m.embedWithRetry(ctx, texts)
	if err != nil {
		return err
	}
	if vecs == nil {
		// Batch exhausted its retries; skip it and keep going.
		return nil
	}

	indexedAt := time.Now().UTC().Format(time.RFC3339)
	points := make([]vector.Point, len(rows))
	for i, row := range rows {
		doc, err := m.document(ctx, row.DocumentID)
		if err != nil {
			return err
		}
		points[i] = vector.Point{
			ID:     writer.PointID(row.DocumentID, row.GlobalIndex),
			Vector: vecs[i],
			Payload: vector.Payload{
				DocumentID:    row.DocumentID,
				DocumentName:  doc.OriginalFilename,
				ChunkIndex:    row.GlobalIndex,
				ChildIndex:    row.ChildIndex,
				ParentChunkID: row.ParentChunkID,
				ParentIndex:   row.ParentIndex,
				TotalChunks:   doc.ChunkCount,
				Text:          row.Content,
				Title:         doc.Title.String,
				Language:      doc.Language.String,
				IndexedAt:     indexedAt,
			},
		}
	}
	return m.vectors.Upsert(ctx, m.cfg.TargetCollection, points)
}

// embedWithRetry returns (nil, nil) when the batch failed all attempts
// but the run may continue, and an error once the total failure budget
// is spent.
func (m *Migrator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		vecs, err := m.embedder.EmbedAll(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		m.totalErrors++
		if m.totalErrors > maxTotalErrors {
			return nil, fmt.Errorf("aborting after %d embed errors: %w", m.totalErrors, err)
		}
		m.logger.Warn("embed batch failed",
			"attempt", attempt, "total_errors", m.totalErrors, "error", err)
		if attempt < maxBatchAttempts {
			m.sleep(backoffBase * time.Duration(attempt))
		}
	}
	m.logger.Error("batch skipped after retries", "error", lastErr)
	return nil, nil
}

func (m *Migrator) document(ctx context.Context, id string) (*store.Document, error) {
	if doc, ok := m.docCache[id]; ok {
		return doc, nil
	}
	doc, err := m.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s referenced by chunks but missing", id)
	}
	m.docCache[id] = doc
	return doc, nil
}

// runSwap retires the old physical collection and points the canonical
// name at the new one.
func (m *Migrator) runSwap(ctx context.Context, cp *Checkpoint) error {
	newCount, err := m.vectors.Count(ctx, m.cfg.TargetCollection)
	if err != nil {
		return err
	}
	if newCount == 0 {
		return fmt.Errorf("refusing to swap: collection %q is empty", m.cfg.TargetCollection)
	}

	oldExists, err := m.vectors.CollectionExists(ctx, m.cfg.CanonicalName)
	if err != nil {
		return err
	}
	if oldExists {
		oldCount, err := m.vectors.Count(ctx, m.cfg.CanonicalName)
		if err != nil {
			return err
		}
		if oldCount > 0 && float64(newCount) < swapWarnRatio*float64(oldCount) {
			m.logger.Warn("new collection is much smaller than the old one",
				"new", newCount, "old", oldCount)
		}
	}

	if m.cfg.DryRun {
		m.logger.Info("dry run: would swap collections",
			"canonical", m.cfg.CanonicalName, "target", m.cfg.TargetCollection,
			"points", newCount)
		return nil
	}

	if oldExists {
		if err := m.vectors.DeleteCollection(ctx, m.cfg.CanonicalName); err != nil {
			return err
		}
	}
	if err := m.vectors.CreateAlias(ctx, m.cfg.CanonicalName, m.cfg.TargetCollection); err != nil {
		return err
	}
	m.logger.Info("collections swapped",
		"canonical", m.cfg.CanonicalName, "target", m.cfg.TargetCollection)

	cp.Phase = PhaseExtras
	cp.LastOffset = 0
	return cp.Save(m.cfg.CheckpointPath)
}

// runExtras re-embeds the single embedding column of each auxiliary
// table in place. Tables absent from this deployment are skipped.
func (m *Migrator) runExtras(ctx context.Context, cp *Checkpoint) error {
	if m.db == nil {
		return fmt.Errorf("extras phase needs a database handle")
	}
	for _, target := range extrasTargets {
		if err := m.migrateExtras(ctx, cp, target); err != nil {
			return fmt.Errorf("table %s: %w", target.Table, err)
		}
	}
	return nil
}

func (m *Migrator) migrateExtras(ctx context.Context, cp *Checkpoint, target extrasTarget) error {
	var exists bool
	err := m.db.GetContext(ctx, &exists,
		`SELECT to_regclass($1) IS NOT NULL`, target.Table)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Info("auxiliary table not present, skipping", "table", target.Table)
		return nil
	}

	type row struct {
		ID   string `db:"id"`
		Text string `db:"text"`
	}
	var rows []row
	query := fmt.Sprintf(`SELECT %s AS id, %s AS text FROM %s WHERE %s <> ''`,
		target.IDColumn, target.TextColumn, target.Table, target.TextColumn)
	if err := m.db.SelectContext(ctx, &rows, query); err != nil {
		return err
	}

	pending := make([]row, 0, len(rows))
	for _, r := range rows {
		if !cp.Completed(target.Table + ":" + r.ID) {
			pending = append(pending, r)
		}
	}
	m.logger.Info("re-embedding auxiliary rows",
		"table", target.Table, "rows", len(rows), "pending", len(pending))
	if m.cfg.DryRun || len(pending) == 0 {
		return nil
	}

	update := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`,
		target.Table, target.EmbeddingColumn, target.IDColumn)
	for start := 0; start < len(pending); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Text
		}
		vecs, err := m.embedWithRetry(ctx, texts)
		if err != nil {
			return err
		}
		if vecs == nil {
			continue
		}
		for i, r := range batch {
			encoded, err := json.Marshal(vecs[i])
			if err != nil {
				return err
			}
			if _, err := m.db.ExecContext(ctx, update, encoded, r.ID); err != nil {
				return err
			}
			cp.CompletedIDs = append(cp.CompletedIDs, target.Table+":"+r.ID)
		}
		cp.Phase = PhaseExtras
		if err := cp.Save(m.cfg.CheckpointPath); err != nil {
			return err
		}
	}
	return nil
}
