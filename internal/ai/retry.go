package ai

import (
	"context"
	"time"

	"callrelay/broker/internal/callerr"
)

// MaxAttempts bounds the number of Transcribe attempts the retry policy makes.
const MaxAttempts = 5

// CumulativeDeadline bounds total elapsed wall time across all attempts and sleeps.
const CumulativeDeadline = 60 * time.Second

// PerAttemptTimeout bounds a single Transcribe call.
const PerAttemptTimeout = 30 * time.Second

// backoffSchedule is the fixed doubling delay between attempts.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// RetryPolicy wraps a Client with the fixed bounded exponential-backoff
// policy described by the component design: 5 attempts, 1/2/4/8s backoff,
// 60s cumulative deadline, 30s per-attempt timeout. The policy is
// independent of call state; only Client.Transcribe outcomes drive it.
type RetryPolicy struct {
	client Client
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// RetryOption customises RetryPolicy construction.
type RetryOption func(*RetryPolicy)

// WithRetrySleep overrides the sleep function between attempts, letting
// tests assert on requested durations without waiting in real time.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(p *RetryPolicy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithRetryClock overrides the wall-clock source used to track the
// cumulative deadline.
func WithRetryClock(now func() time.Time) RetryOption {
	return func(p *RetryPolicy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewRetryPolicy wraps client with the fixed retry policy.
func NewRetryPolicy(client Client, opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{client: client, sleep: sleepCtx, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Transcribe invokes the wrapped client, retrying on error up to
// MaxAttempts times with the fixed backoff schedule, abandoning retry once
// the cumulative deadline would be exceeded. On exhaustion it returns a
// callerr.AIUnavailable error.
func (p *RetryPolicy) Transcribe(ctx context.Context, payload string) (Result, error) {
	start := p.now()
	var lastErr error

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if p.now().Sub(start) >= CumulativeDeadline {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, PerAttemptTimeout)
		result, err := p.client.Transcribe(attemptCtx, payload)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == MaxAttempts-1 {
			break
		}
		delay := backoffSchedule[attempt]
		if p.now().Add(delay).Sub(start) >= CumulativeDeadline {
			//1.- The next sleep would cross the cumulative deadline; abandon retry now.
			break
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return Result{}, callerr.Wrap(callerr.AIUnavailable, "ai transcription exhausted retry policy", lastErr)
}
