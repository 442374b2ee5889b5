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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var childColumns = []string{
	"id", "document_id", "parent_chunk_id", "parent_index", "child_index",
	"global_index", "char_start", "char_end", "word_count", "content",
	"created_at",
}

func TestDeleteByDocument(t *testing.T) {
	_, chunks, mock := newRepos(t)
	mock.ExpectExec(`DELETE FROM parent_chunks WHERE document_id`).
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	require.NoError(t, chunks.DeleteByDocument(context.Background(), "doc-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertParentsEmptyIsNoop(t *testing.T) {
	_, chunks, mock := newRepos(t)
	require.NoError(t, chunks.InsertParents(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertParents(t *testing.T) {
	_, chunks, mock := newRepos(t)
	mock.ExpectExec(`INSERT INTO parent_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := chunks.InsertParents(context.Background(), []ParentChunk{
		{ID: "p-0", DocumentID: "doc-1", ParentIndex: 0, CharStart: 0, CharEnd: 100, WordCount: 20, Content: "a"},
		{ID: "p-1", DocumentID: "doc-1", ParentIndex: 1, CharStart: 100, CharEnd: 180, WordCount: 15, Content: "b"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChildren(t *testing.T) {
	_, chunks, mock := newRepos(t)
	mock.ExpectExec(`INSERT INTO child_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := chunks.InsertChildren(context.Background(), []ChildChunk{{
		ID: "c-0", DocumentID: "doc-1", ParentChunkID: "p-0",
		GlobalIndex: 0, CharEnd: 40, WordCount: 8, Content: "a",
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageChildren(t *testing.T) {
	_, chunks, mock := newRepos(t)
	rows := sqlmock.NewRows(childColumns).
		AddRow("c-0", "doc-1", "p-0", 0, 0, 0, 0, 40, 8, "text", time.Now())
	mock.ExpectQuery(`SELECT \* FROM child_chunks\s+ORDER BY document_id, global_index`).
		WithArgs(100, 0).
		WillReturnRows(rows)

	out, err := chunks.PageChildren(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c-0", out[0].ID)
}

func TestUpsertSimilarityCanonicalizes(t *testing.T) {
	_, chunks, mock := newRepos(t)
	mock.ExpectExec(`INSERT INTO document_similarities`).
		WithArgs("aaa", "bbb", 0.91).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Passed reversed; the smaller id must land in document_a.
	require.NoError(t, chunks.UpsertSimilarity(context.Background(), "bbb", "aaa", 0.91))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSimilaritySelfPairSkipped(t *testing.T) {
	_, chunks, mock := newRepos(t)
	require.NoError(t, chunks.UpsertSimilarity(context.Background(), "aaa", "aaa", 1.0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilarDocuments(t *testing.T) {
	_, chunks, mock := newRepos(t)
	rows := sqlmock.NewRows([]string{"document_a", "document_b", "score", "computed_at"}).
		AddRow("aaa", "bbb", 0.95, time.Now()).
		AddRow("aaa", "ccc", 0.85, time.Now())
	mock.ExpectQuery(`SELECT \* FROM document_similarities`).
		WithArgs("aaa").
		WillReturnRows(rows)

	pairs, err := chunks.SimilarDocuments(context.Background(), "aaa")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, 0.95, pairs[0].Score)
}
