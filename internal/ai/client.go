// Package ai models the downstream transcription/sentiment dependency and
// the bounded retry policy that wraps it. The dependency is specified only
// by its failure/latency profile; SimulatedClient reproduces that profile
// for tests and standalone runs.
package ai

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Result is the payload returned by a successful transcription call.
type Result struct {
	Transcription string
	Sentiment     string
	Confidence    float64
}

// Client transcribes a single opaque payload (the ordered concatenation of
// a call's packet data) into a Result.
type Client interface {
	Transcribe(ctx context.Context, payload string) (Result, error)
}

// ClientFunc adapts a function into a Client.
type ClientFunc func(ctx context.Context, payload string) (Result, error)

// Transcribe implements Client.
func (f ClientFunc) Transcribe(ctx context.Context, payload string) (Result, error) {
	return f(ctx, payload)
}

// SimulatedClient reproduces the AI dependency's observed ~25% failure rate
// and 1-3s latency per attempt, with an injectable sleep function and RNG so tests
// run deterministically and without real sleeps.
type SimulatedClient struct {
	rng        *rand.Rand
	sleep      func(ctx context.Context, d time.Duration) error
	failChance float64
	minLatency time.Duration
	maxLatency time.Duration
}

// SimulatedOption customises SimulatedClient construction.
type SimulatedOption func(*SimulatedClient)

// WithRand overrides the random source driving failure/latency sampling.
func WithRand(rng *rand.Rand) SimulatedOption {
	return func(c *SimulatedClient) {
		if rng != nil {
			c.rng = rng
		}
	}
}

// WithSleep overrides the sleep function, letting tests skip real latency.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) SimulatedOption {
	return func(c *SimulatedClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewSimulatedClient constructs a SimulatedClient with the observed
// ~25% failure rate and 1-3s per-attempt latency.
func NewSimulatedClient(opts ...SimulatedOption) *SimulatedClient {
	c := &SimulatedClient{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
		failChance: 0.25,
		minLatency: time.Second,
		maxLatency: 3 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcribe implements Client.
func (c *SimulatedClient) Transcribe(ctx context.Context, payload string) (Result, error) {
	spread := c.maxLatency - c.minLatency
	latency := c.minLatency
	if spread > 0 {
		latency += time.Duration(c.rng.Int63n(int64(spread)))
	}
	if err := c.sleep(ctx, latency); err != nil {
		return Result{}, err
	}
	if c.rng.Float64() < c.failChance {
		return Result{}, fmt.Errorf("ai dependency unavailable")
	}
	return Result{
		Transcription: fmt.Sprintf("transcript(%d chars)", len(payload)),
		Sentiment:     sentimentFor(c.rng.Float64()),
		Confidence:    0.7 + 0.3*c.rng.Float64(),
	}, nil
}

func sentimentFor(sample float64) string {
	switch {
	case sample < 0.33:
		return "negative"
	case sample < 0.66:
		return "neutral"
	default:
		return "positive"
	}
}
