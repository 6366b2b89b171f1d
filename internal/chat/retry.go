package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// RetryPolicy bounds the backoff loop around provider calls
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy returns 5 retries starting at 1s and capped at 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the wait before retrying after the given failed attempt
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	p = p.normalize()
	return llm.BackoffDelay(attempt, p.InitialDelay, p.MaxDelay, err)
}

// generate calls the provider until it succeeds, the error is terminal or
// ctx ends. Attempt i that fails waits delay_i before attempt i+1; once
// attempt MaxRetries fails the session enters StatusMaxRetriesReached.
func (s *Session) generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	policy := s.retryPolicy()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(ctx)
		}

		key := s.keys.Current()
		req.APIKey = key
		s.status.Set(StatusApiCallInProgress)

		resp, err := s.provider.Generate(ctx, req)
		if err == nil {
			if resp == nil || (len(resp.Candidates) == 0 && resp.BlockReason == "") {
				err = ErrNoCandidates
			} else {
				return resp, nil
			}
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}

		if !llm.IsRetryable(err) || attempt >= policy.MaxRetries {
			rec := s.recordError(req.Model, attempt, 0, key, err)
			s.status.Set(StatusMaxRetriesReached, WithError(rec))
			s.logger.Error("Provider call failed", "model", req.Model, "attempt", attempt, "retryable", rec.Retryable, "error", err)
			return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrMaxRetriesReached, attempt+1, err)
		}

		delay := policy.Delay(attempt, err)
		rec := s.recordError(req.Model, attempt, delay, key, err)
		s.status.Set(StatusWaitingWithBackoff, WithError(rec))
		s.logger.Warn("Provider call failed, backing off", "model", req.Model, "attempt", attempt, "delay", delay, "error", err)

		if s.keys.Len() > 1 {
			next := s.keys.Rotate()
			s.logger.Debug("Rotated API key", "key", RedactKey(next))
		}

		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return nil, cancelled(ctx)
		}
	}
}

func (s *Session) recordError(model string, attempt int, backoff time.Duration, key string, err error) ApiErrorRecord {
	rec := newErrorRecord(model, attempt, backoff, key, err, s.clock.Now())
	if errors.Is(err, ErrNoCandidates) {
		rec.Retryable = false
	}
	s.mu.Lock()
	s.apiErrors = append(s.apiErrors, rec)
	s.mu.Unlock()
	s.status.RecordError(rec)
	return rec
}
