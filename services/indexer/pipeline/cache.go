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
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

// ScanCache is the fast path of the scan loop: a local badger store
// mapping cheap file hashes (path+size) to document ids, so unchanged
// objects skip content hashing and the database round trip entirely.
type ScanCache struct {
	db     *badger.DB
	logger *logging.Logger
}

// OpenScanCache opens (or creates) the cache directory.
func OpenScanCache(dir string, logger *logging.Logger) (*ScanCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open scan cache: %w", err)
	}
	return &ScanCache{db: db, logger: logger}, nil
}

// Lookup returns the cached document id for a file hash, "" on miss.
func (c *ScanCache) Lookup(fileHash string) (string, error) {
	var id string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fileHash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan cache lookup: %w", err)
	}
	return id, nil
}

// Store records a file hash → document id mapping.
func (c *ScanCache) Store(fileHash, documentID string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fileHash), []byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("scan cache store: %w", err)
	}
	return nil
}

// Invalidate drops one mapping, used when a document is deleted.
func (c *ScanCache) Invalidate(fileHash string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fileHash))
	})
	if err != nil {
		return fmt.Errorf("scan cache invalidate: %w", err)
	}
	return nil
}

// Close releases the badger handle.
func (c *ScanCache) Close() error {
	return c.db.Close()
}
