// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bm25 is the on-disk keyword index of the indexer. The inverted
// index is only recomputed on an explicit rebuild; the ingest path
// appends chunk ids to a separate mapping file, so queries between
// rebuilds run against the last rebuilt index while the mapping stays
// complete.
//
// # Thread Safety
//
// All methods are safe for concurrent use; writes serialize behind an
// internal mutex.
package bm25

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// BM25 parameters. Standard values; not worth configuring.
const (
	k1 = 1.5
	b  = 0.75
)

const (
	indexFile = "params.index.json"
	idsFile   = "chunk_ids.json"
)

// Document is one (id, text) tuple fed to a rebuild.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Result is one scored hit.
type Result struct {
	ID    string
	Score float64
}

// posting is one term occurrence in one document.
type posting struct {
	Doc int `json:"d"`
	TF  int `json:"t"`
}

// indexState is the serialized inverted index.
type indexState struct {
	IDs      []string             `json:"ids"`
	DocLens  []int                `json:"doc_lens"`
	AvgLen   float64              `json:"avg_len"`
	Postings map[string][]posting `json:"postings"`
}

// Index is the persistent BM25 handle rooted at one directory.
type Index struct {
	dir    string
	logger *logging.Logger

	mu      sync.RWMutex
	state   indexState
	mapping []string // all known chunk ids, including post-rebuild appends
}

// Open loads (or initializes) the index under dir.
func Open(dir string, logger *logging.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create bm25 dir: %w", err)
	}
	idx := &Index{
		dir:    dir,
		logger: logger,
		state:  indexState{Postings: map[string][]posting{}},
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) load() error {
	if raw, err := os.ReadFile(filepath.Join(i.dir, indexFile)); err == nil {
		if err := json.Unmarshal(raw, &i.state); err != nil {
			return fmt.Errorf("corrupt bm25 index: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read bm25 index: %w", err)
	}
	if raw, err := os.ReadFile(filepath.Join(i.dir, idsFile)); err == nil {
		if err := json.Unmarshal(raw, &i.mapping); err != nil {
			return fmt.Errorf("corrupt bm25 id mapping: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read bm25 id mapping: %w", err)
	}
	if i.state.Postings == nil {
		i.state.Postings = map[string][]posting{}
	}
	return nil
}

// Append records new chunk ids in the mapping without touching the
// inverted index. The mapping write is atomic.
func (i *Index) Append(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	known := make(map[string]bool, len(i.mapping))
	for _, id := range i.mapping {
		known[id] = true
	}
	for _, id := range ids {
		if !known[id] {
			i.mapping = append(i.mapping, id)
			known[id] = true
		}
	}
	return i.persistMapping()
}

// Remove drops chunk ids from the mapping. Their postings survive until
// the next rebuild but can no longer surface a deleted document because
// search results are filtered against the mapping.
func (i *Index) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := i.mapping[:0]
	for _, id := range i.mapping {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	i.mapping = kept
	return i.persistMapping()
}

// Rebuild recomputes the inverted index from scratch and persists the
// index and the mapping atomically.
func (i *Index) Rebuild(ctx context.Context, docs []Document) error {
	state := indexState{
		IDs:      make([]string, 0, len(docs)),
		DocLens:  make([]int, 0, len(docs)),
		Postings: map[string][]posting{},
	}
	totalLen := 0
	for n, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		terms := Tokenize(doc.Text)
		state.IDs = append(state.IDs, doc.ID)
		state.DocLens = append(state.DocLens, len(terms))
		totalLen += len(terms)

		tf := map[string]int{}
		for _, term := range terms {
			tf[term]++
		}
		for term, count := range tf {
			state.Postings[term] = append(state.Postings[term], posting{Doc: n, TF: count})
		}
	}
	if len(docs) > 0 {
		state.AvgLen = float64(totalLen) / float64(len(docs))
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
	i.mapping = append([]string(nil), state.IDs...)
	if err := i.persistIndex(); err != nil {
		return err
	}
	if err := i.persistMapping(); err != nil {
		return err
	}
	i.logger.Info("bm25 index rebuilt", "documents", len(docs), "terms", len(state.Postings))
	return nil
}

// Search scores the query against the last rebuilt index.
func (i *Index) Search(query string, topK int) []Result {
	terms := Tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := len(i.state.IDs)
	if n == 0 {
		return nil
	}
	live := make(map[string]bool, len(i.mapping))
	for _, id := range i.mapping {
		live[id] = true
	}

	scores := map[int]float64{}
	for _, term := range terms {
		postings := i.state.Postings[term]
		if len(postings) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(postings))+0.5)/(float64(len(postings))+0.5))
		for _, p := range postings {
			tf := float64(p.TF)
			norm := 1 - b + b*float64(i.state.DocLens[p.Doc])/i.state.AvgLen
			scores[p.Doc] += idf * tf * (k1 + 1) / (tf + k1*norm)
		}
	}

	results := make([]Result, 0, len(scores))
	for doc, score := range scores {
		id := i.state.IDs[doc]
		if !live[id] {
			continue
		}
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(a, c int) bool {
		if results[a].Score != results[c].Score {
			return results[a].Score > results[c].Score
		}
		return results[a].ID < results[c].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Count returns the mapping size and the size of the rebuilt index.
func (i *Index) Count() (mapped, indexed int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.mapping), len(i.state.IDs)
}

// persistIndex writes the inverted index via tmp+rename.
func (i *Index) persistIndex() error {
	return writeAtomic(filepath.Join(i.dir, indexFile), i.state)
}

// persistMapping writes the id mapping via tmp+rename.
func (i *Index) persistMapping() error {
	return writeAtomic(filepath.Join(i.dir, idsFile), i.mapping)
}

func writeAtomic(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Tokenize lowercases and splits on anything that is not a letter or a
// digit. Umlauts and ß survive, so German terms keep their identity.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
