// Package errors provides error categorization and retry policies for
// workflow execution.
//
// Layers:
//   - Categorization: classify a failure so the executor and the API layer
//     can react appropriately (retry, reject, conflict, fail the run)
//   - Retry: bounded retries with exponential backoff for transient
//     external failures (model inference, retrieval)
package errors

import (
	"errors"
	"fmt"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: model backend unavailable, rate limits, timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, malformed prompts.
	CategoryPermanent

	// CategoryValidation indicates malformed input rejected before any
	// state was created or mutated.
	CategoryValidation

	// CategoryRoutingCycle indicates the run exceeded its step budget.
	CategoryRoutingCycle

	// CategoryConsistency indicates an operation against a conversation in
	// the wrong lifecycle state (e.g. resume without a suspension).
	CategoryConsistency

	// CategoryConflict indicates a duplicate decision on an
	// already-resolved approval. The second decision is a no-op.
	CategoryConflict
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryValidation:
		return "validation"
	case CategoryRoutingCycle:
		return "routing_cycle"
	case CategoryConsistency:
		return "consistency"
	case CategoryConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that were made, when retried.
	Attempts int

	// Context describes the operation that was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %v (category: %s)", e.Context, e.Err, e.Category)
	}
	return fmt.Sprintf("%v (category: %s)", e.Err, e.Category)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient wraps err as a transient external failure.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent wraps err as a permanent failure.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Validation wraps err as an input validation failure.
func Validation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryValidation, context)
}

// Consistency wraps err as a lifecycle consistency failure.
func Consistency(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryConsistency, context)
}

// Conflict wraps err as a duplicate-decision conflict.
func Conflict(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryConflict, context)
}

// Categorize determines how an error should be handled.
// Uncategorized errors are treated as permanent, failing safe: a retry loop
// must never spin on a failure it does not understand.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// Is reports whether err carries the given category.
func Is(err error, c Category) bool {
	return Categorize(err) == c
}
