package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := time.Second

	t.Run("doubles until capped", func(t *testing.T) {
		want := []time.Duration{100, 200, 400, 800, 1000, 1000}
		for i, w := range want {
			assert.Equal(t, w*time.Millisecond, BackoffDelay(i, initial, maxDelay, nil), "attempt %d", i)
		}
	})

	t.Run("bounds hold for any retry count", func(t *testing.T) {
		for maxRetries := 0; maxRetries < 40; maxRetries++ {
			var sum time.Duration
			for i := 0; i < maxRetries; i++ {
				d := BackoffDelay(i, initial, maxDelay, nil)
				assert.GreaterOrEqual(t, d, min(initial, maxDelay))
				sum += d
			}
			assert.LessOrEqual(t, sum, time.Duration(maxRetries)*maxDelay)
		}
	})

	t.Run("retry after honoured up to max", func(t *testing.T) {
		err := &RetryableError{Err: errors.New("slow down"), StatusCode: 429, Retryable: true, RetryAfter: 5 * time.Second}
		assert.Equal(t, maxDelay, BackoffDelay(0, initial, maxDelay, err))

		err.RetryAfter = 300 * time.Millisecond
		assert.Equal(t, 300*time.Millisecond, BackoffDelay(0, initial, maxDelay, err))
	})
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusRequestTimeout, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			err := fmt.Errorf("generate: %w", NewRetryableError(errors.New("boom"), tc.status))
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, tc.status, StatusCode(err))
		})
	}

	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(ClassifyError(errors.New("429 Too Many Requests: rate limit"))))
	assert.ErrorIs(t, ClassifyError(context.Canceled), context.Canceled)
	assert.False(t, IsRetryable(ClassifyError(context.Canceled)))
}
