package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

var (
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrSessionShutdown   = errors.New("session is shut down")
	ErrTurnCancelled     = errors.New("turn cancelled")
	ErrNoCandidates      = errors.New("provider returned no candidates")
	ErrInvalidOptions    = errors.New("invalid session options")
)

// ApiErrorRecord is one failed provider call, kept in the session history
type ApiErrorRecord struct {
	ModelID     string        `json:"model_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Attempt     int           `json:"attempt"`
	Backoff     time.Duration `json:"backoff"`
	RedactedKey string        `json:"redacted_key,omitempty"`
	Error       string        `json:"error"`
	StatusCode  int           `json:"status_code,omitempty"`
	Retryable   bool          `json:"retryable"`
}

func (r ApiErrorRecord) String() string {
	return fmt.Sprintf("attempt %d on %s failed (backoff %s): %s", r.Attempt, r.ModelID, r.Backoff, r.Error)
}

// cancelled converts a done context into the turn cancellation error
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return fmt.Errorf("%w: %w", ErrTurnCancelled, context.Canceled)
	case errors.Is(cause, ErrTurnCancelled):
		return fmt.Errorf("%w: %w", ErrTurnCancelled, context.Canceled)
	case errors.Is(cause, ErrSessionShutdown):
		return fmt.Errorf("%w: %w", ErrSessionShutdown, context.Canceled)
	default:
		return fmt.Errorf("%w: %w", ErrTurnCancelled, cause)
	}
}

func newErrorRecord(model string, attempt int, backoff time.Duration, key string, err error, at time.Time) ApiErrorRecord {
	return ApiErrorRecord{
		ModelID:     model,
		Timestamp:   at,
		Attempt:     attempt,
		Backoff:     backoff,
		RedactedKey: RedactKey(key),
		Error:       err.Error(),
		StatusCode:  llm.StatusCode(err),
		Retryable:   llm.IsRetryable(err),
	}
}
