// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestEmptyInput(t *testing.T) {
	c := New(DefaultConfig())
	assert.Nil(t, c.Chunk(""))
	assert.Nil(t, c.Chunk("   \n\t  "))
}

func TestSmallTextSingleChunk(t *testing.T) {
	c := New(DefaultConfig())
	text := "Ein kurzer Absatz ohne besondere Struktur."
	parents := c.Chunk(text)
	require.Len(t, parents, 1)
	require.Len(t, parents[0].Children, 1)

	p := parents[0]
	assert.Equal(t, 0, p.Start)
	assert.Equal(t, len(text), p.End)
	assert.Equal(t, text, p.Text)
	assert.Equal(t, text, p.Children[0].Text)
	assert.Equal(t, 0, p.Children[0].GlobalIndex)
}

func TestBudgetsRespected(t *testing.T) {
	c := New(Config{ParentSize: 50, ChildSize: 10, ChildOverlap: 0})
	// Paragraphs of 8 words each, so separators always exist.
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString(words(8))
		b.WriteString("\n\n")
	}
	parents := c.Chunk(b.String())
	require.NotEmpty(t, parents)
	for _, p := range parents {
		assert.LessOrEqual(t, p.WordCount, 50, "parent %d over budget", p.Index)
		for _, ch := range p.Children {
			assert.LessOrEqual(t, ch.WordCount, 10, "child %d over budget", ch.GlobalIndex)
		}
	}
}

func TestDeterminism(t *testing.T) {
	c := New(Config{ParentSize: 40, ChildSize: 12, ChildOverlap: 3})
	text := strings.Repeat("Der Netzbetreiber prüft den Antrag. ", 60)
	first := c.Chunk(text)
	second := c.Chunk(text)
	assert.Equal(t, first, second)
}

func TestSpansIndexBackIntoOriginal(t *testing.T) {
	c := New(Config{ParentSize: 30, ChildSize: 8, ChildOverlap: 2})
	text := strings.Repeat("Ein Satz mit sieben kurzen Worten hier. ", 20)
	for _, p := range c.Chunk(text) {
		assert.Equal(t, text[p.Start:p.End], p.Text)
		for _, ch := range p.Children {
			assert.Equal(t, text[ch.Start:ch.End], ch.Text)
			assert.GreaterOrEqual(t, ch.Start, p.Start)
			assert.LessOrEqual(t, ch.End, p.End)
		}
	}
}

func TestGlobalIndicesSequential(t *testing.T) {
	c := New(Config{ParentSize: 30, ChildSize: 8, ChildOverlap: 0})
	text := strings.Repeat("Absatz eins hat genau sechs Worte.\n\n", 25)
	next := 0
	for _, p := range c.Chunk(text) {
		for i, ch := range p.Children {
			assert.Equal(t, next, ch.GlobalIndex)
			assert.Equal(t, i, ch.ChildIndex)
			assert.Equal(t, p.Index, ch.ParentIndex)
			next++
		}
	}
	assert.Greater(t, next, 1)
}

func TestLegalMarkersPreferredOverNewlines(t *testing.T) {
	c := New(Config{ParentSize: 1000, ChildSize: 16, ChildOverlap: 0})
	text := "§ 1 Geltungsbereich\nDiese Verordnung gilt für alle Netzanschlüsse im Sinne des Gesetzes.\n§ 2 Begriffe\nIm Sinne dieser Verordnung sind Begriffe wie folgt definiert und erläutert."
	parents := c.Chunk(text)
	require.Len(t, parents, 1)
	children := parents[0].Children
	require.Len(t, children, 2)
	assert.True(t, strings.HasPrefix(children[0].Text, "§ 1"))
	assert.True(t, strings.HasPrefix(children[1].Text, "§ 2"))
}

func TestChildOverlapWithinParentOnly(t *testing.T) {
	c := New(Config{ParentSize: 20, ChildSize: 10, ChildOverlap: 3})
	var b strings.Builder
	for i := 0; i < 8; i++ {
		b.WriteString(words(10))
		b.WriteString("\n\n")
	}
	text := b.String()

	for _, p := range c.Chunk(text) {
		for i, ch := range p.Children {
			if i == 0 {
				continue
			}
			prev := p.Children[i-1]
			// Overlapping start sits before the previous child's end but
			// never before the parent start.
			assert.Less(t, ch.Start, prev.End)
			assert.GreaterOrEqual(t, ch.Start, p.Start)
		}
	}
}

func TestHardWindowFallback(t *testing.T) {
	// A single unbroken run of words with no separators at all.
	c := New(Config{ParentSize: 25, ChildSize: 10, ChildOverlap: 0})
	text := words(100)
	parents := c.Chunk(text)
	require.NotEmpty(t, parents)

	total := 0
	for _, p := range parents {
		assert.LessOrEqual(t, p.WordCount, 25)
		for _, ch := range p.Children {
			assert.LessOrEqual(t, ch.WordCount, 10)
			total += ch.WordCount
		}
	}
	assert.Equal(t, 100, total)
}

func TestOversizedLeafSplitsByNextSeparator(t *testing.T) {
	c := New(Config{ParentSize: 100, ChildSize: 10, ChildOverlap: 0})
	// One paragraph far over the child budget, held together by commas.
	text := strings.Repeat("ein zwei drei vier, ", 10)
	parents := c.Chunk(text)
	require.Len(t, parents, 1)
	assert.Greater(t, len(parents[0].Children), 1)
	for _, ch := range parents[0].Children {
		assert.LessOrEqual(t, ch.WordCount, 10)
	}
}
