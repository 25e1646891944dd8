package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"pii-redactor/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(attempts int) *CallGuard {
	g := NewCallGuard("test", &config.Config{ExternalMaxAttempts: attempts}, nil)
	g.interval = time.Millisecond
	return g
}

func TestCallGuard_RetriesTransientFailures(t *testing.T) {
	g := testGuard(3)
	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallGuard_PermanentFailureNotRetried(t *testing.T) {
	g := testGuard(3)
	calls := 0
	boom := errors.New("bad request")
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestCallGuard_GivesUpAfterMaxAttempts(t *testing.T) {
	g := testGuard(2)
	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(errors.New("timeout"))
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, calls)
}

func TestCallGuard_SingleAttempt(t *testing.T) {
	g := testGuard(0)
	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(errors.New("timeout"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	assert.NoError(t, Retryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, retryableStatus(429))
	assert.True(t, retryableStatus(502))
	assert.False(t, retryableStatus(400))
}
