package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize_WrappedCategorizedError(t *testing.T) {
	base := Transient(errors.New("model unavailable"), "generate")
	wrapped := fmt.Errorf("node generate_response: %w", base)

	assert.Equal(t, CategoryTransient, Categorize(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestCategorize_UnknownErrorIsPermanent(t *testing.T) {
	assert.Equal(t, CategoryPermanent, Categorize(errors.New("who knows")))
	assert.False(t, IsRetryable(errors.New("who knows")))
}

func TestCategoryString(t *testing.T) {
	tests := []struct {
		cat  Category
		want string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryValidation, "validation"},
		{CategoryRoutingCycle, "routing_cycle"},
		{CategoryConsistency, "consistency"},
		{CategoryConflict, "conflict"},
		{Category(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cat.String())
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 1.0}

	result := WithRetry(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("rate limited"), "generate")
		}
		return "ok", nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	result := WithRetry(context.Background(), DefaultRetry, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errors.New("bad credentials"), "generate")
	})

	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CategoryPermanent, Categorize(result.Err))
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 1.0}

	result := WithRetry(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("still down"), "generate")
	})

	require.Error(t, result.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	// The final error remains transient so callers can report it as such.
	assert.Equal(t, CategoryTransient, Categorize(result.Err))
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithRetry(ctx, DefaultRetry, func(context.Context) (int, error) {
		t.Fatal("fn should not run with cancelled context")
		return 0, nil
	})

	require.Error(t, result.Err)
	assert.Equal(t, 0, result.Attempts)
}
