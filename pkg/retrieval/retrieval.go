// Package retrieval provides the knowledge lookup used to ground agent
// responses. The contract is deliberately small: a query in, a ranked
// list of documents out, and an empty result is a normal outcome rather
// than an error.
package retrieval

import "context"

// Document is a retrieved knowledge snippet.
type Document struct {
	ID      string
	Title   string
	Content string
	Score   float64
}

// Client retrieves documents relevant to a query. Implementations must be
// safe for concurrent use and deterministic for a fixed corpus: the same
// query always yields the same documents in the same order.
type Client interface {
	// Retrieve returns up to k documents ranked by relevance. An empty
	// slice means nothing relevant was found; it is not an error.
	Retrieve(ctx context.Context, query string, k int) ([]Document, error)
}

// DefaultK is the default number of documents per lookup.
const DefaultK = 3
