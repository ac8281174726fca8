package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryIndex is an in-memory keyword index. Scoring is token overlap
// between query and document, which keeps ranking fully deterministic:
// ties break by insertion order.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []indexedDoc
}

type indexedDoc struct {
	doc    Document
	tokens map[string]struct{}
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add indexes a document. Insertion order is the tiebreak order.
func (m *MemoryIndex) Add(doc Document) *MemoryIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs = append(m.docs, indexedDoc{
		doc:    doc,
		tokens: tokenSet(doc.Title + " " + doc.Content),
	})
	return m
}

// Retrieve implements Client.
func (m *MemoryIndex) Retrieve(ctx context.Context, query string, k int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultK
	}

	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		doc   Document
		score int
		order int
	}

	var hits []scored
	for i, d := range m.docs {
		overlap := 0
		for tok := range queryTokens {
			if _, ok := d.tokens[tok]; ok {
				overlap++
			}
		}
		if overlap > 0 {
			hits = append(hits, scored{doc: d.doc, score: overlap, order: i})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})

	if len(hits) > k {
		hits = hits[:k]
	}

	docs := make([]Document, len(hits))
	for i, h := range hits {
		h.doc.Score = float64(h.score)
		docs[i] = h.doc
	}
	return docs, nil
}

// tokenSet lowercases and splits text into unique word tokens.
func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) > 1 { // drop single-character noise
			set[f] = struct{}{}
		}
	}
	return set
}
