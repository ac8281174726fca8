// Package fewshot selects curated examples for prompting. Selection is
// quality-tiered and fully deterministic: gold examples are preferred over
// silver over bronze, ranking within a tier is token overlap with the
// input, and ties break by insertion order.
package fewshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/omnichat/omnichat/pkg/store"
)

// DefaultK is the default number of examples per prompt.
const DefaultK = 3

// fetchLimit bounds how many examples are pulled per tier before ranking.
const fetchLimit = 25

// Source lists curated examples by category and quality tier.
// *store.Store satisfies it.
type Source interface {
	Examples(ctx context.Context, category string, quality store.Quality, limit int) ([]store.DatasetItem, error)
}

// Selector picks the examples used to prompt the model.
type Selector struct {
	source Source
	k      int
}

// NewSelector creates a selector drawing from source. k <= 0 uses DefaultK.
func NewSelector(source Source, k int) *Selector {
	if k <= 0 {
		k = DefaultK
	}
	return &Selector{source: source, k: k}
}

// Select returns up to K examples for a category, most relevant to input
// first. Higher-quality tiers are exhausted before lower ones are
// considered, so a weakly-matching gold example still outranks a strongly
// matching silver one.
func (s *Selector) Select(ctx context.Context, category, input string) ([]store.DatasetItem, error) {
	inputTokens := tokenSet(input)

	var picked []store.DatasetItem
	for _, quality := range []store.Quality{store.QualityGold, store.QualitySilver, store.QualityBronze} {
		if len(picked) >= s.k {
			break
		}

		items, err := s.source.Examples(ctx, category, quality, fetchLimit)
		if err != nil {
			return nil, fmt.Errorf("list %s examples: %w", quality, err)
		}

		rankByOverlap(items, inputTokens)

		remaining := s.k - len(picked)
		if len(items) > remaining {
			items = items[:remaining]
		}
		picked = append(picked, items...)
	}

	return picked, nil
}

// rankByOverlap sorts items by token overlap with the input, descending,
// ties broken by ascending ID (insertion order).
func rankByOverlap(items []store.DatasetItem, inputTokens map[string]struct{}) {
	scores := make(map[int64]int, len(items))
	for _, it := range items {
		scores[it.ID] = overlap(tokenSet(it.UserText), inputTokens)
	}

	sort.SliceStable(items, func(i, j int) bool {
		si, sj := scores[items[i].ID], scores[items[j].ID]
		if si != sj {
			return si > sj
		}
		return items[i].ID < items[j].ID
	})
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			set[f] = struct{}{}
		}
	}
	return set
}

// Format renders examples as prompt text, one user/agent pair per block.
func Format(items []store.DatasetItem) string {
	if len(items) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Examples of good responses:\n")
	for _, it := range items {
		b.WriteString("\nUser: ")
		b.WriteString(it.UserText)
		b.WriteString("\nAgent: ")
		b.WriteString(it.AgentText)
		b.WriteString("\n")
	}
	return b.String()
}
