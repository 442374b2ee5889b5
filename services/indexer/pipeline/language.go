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
	"sort"

	"github.com/AleutianAI/AleutianEdge/services/indexer/bm25"
)

// Stopword bags for the language heuristic. The corpus is German-first,
// so ties and empty texts resolve to German.
var (
	germanStopwords = makeSet(
		"der", "die", "das", "und", "ist", "nicht", "für", "mit", "von",
		"den", "dem", "ein", "eine", "einer", "werden", "wird", "sind",
		"auf", "im", "bei", "nach", "über", "gemäß", "durch", "als",
		"auch", "oder", "zur", "zum", "des", "sich", "haben", "kann",
	)
	englishStopwords = makeSet(
		"the", "and", "of", "to", "in", "is", "for", "with", "on", "that",
		"are", "this", "be", "as", "by", "was", "at", "from", "or", "an",
		"it", "which", "has", "have", "not", "will", "shall", "may",
	)
)

func makeSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// DetectLanguage classifies text as "de" or "en" by stopword counting.
func DetectLanguage(text string) string {
	german, english := 0, 0
	for _, token := range bm25.Tokenize(text) {
		if germanStopwords[token] {
			german++
		}
		if englishStopwords[token] {
			english++
		}
	}
	if english > german {
		return "en"
	}
	return "de"
}

// topicLimit bounds the TF-derived topic list.
const topicLimit = 10

// TermFrequencyTopics derives a topic list when AI analysis is off or
// unavailable: the most frequent non-stopword terms of length ≥ 4.
func TermFrequencyTopics(text string) []string {
	counts := map[string]int{}
	for _, token := range bm25.Tokenize(text) {
		if len([]rune(token)) < 4 || germanStopwords[token] || englishStopwords[token] {
			continue
		}
		counts[token]++
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(a, b int) bool {
		if counts[terms[a]] != counts[terms[b]] {
			return counts[terms[a]] > counts[terms[b]]
		}
		return terms[a] < terms[b]
	})
	if len(terms) > topicLimit {
		terms = terms[:topicLimit]
	}
	return terms
}
