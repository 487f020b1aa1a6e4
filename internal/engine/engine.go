// Package engine implements the call engine: the sole writer of Call state
// and the sole caller of the AI client. It serializes per-call mutations
// against the store, runs the completion pipeline, and drives event
// fan-out, dispatching background work onto a bounded worker pool instead
// of raw goroutines.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ygrebnov/workers"

	"callrelay/broker/internal/ai"
	"callrelay/broker/internal/callerr"
	"callrelay/broker/internal/eventbus"
	"callrelay/broker/internal/lifecycle"
	"callrelay/broker/internal/logging"
	"callrelay/broker/internal/model"
	"callrelay/broker/internal/sequence"
	"callrelay/broker/internal/store"
)

// GraceInterval is the fixed wait between a completion signal and the start
// of the AI pipeline, admitting late packets.
const GraceInterval = 3 * time.Second

// AuditRecorder receives a best-effort durable copy of every published
// event; the call engine must never block or fail on its account.
type AuditRecorder interface {
	RecordEvent(event eventbus.Event)
}

// Clock abstracts time for grace-interval waits in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine orchestrates per-call mutation, the lifecycle state machine, the
// AI retry pipeline, and event publication.
type Engine struct {
	store      store.Store
	bus        *eventbus.Bus
	ai         *ai.RetryPolicy
	pool       workers.Workers[struct{}]
	poolSize   uint
	poolBuffer uint
	log        *logging.Logger
	clock      Clock
	audit      AuditRecorder
}

// Option customises Engine construction.
type Option func(*Engine)

// WithClock overrides the clock used for the grace-interval wait.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithAuditRecorder attaches a durable audit sink for published events.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.audit = recorder
		}
	}
}

// WithWorkerPool overrides the default worker pool, letting tests run
// background work synchronously via a size-1 pool or a custom fake.
func WithWorkerPool(pool workers.Workers[struct{}]) Option {
	return func(e *Engine) {
		if pool != nil {
			e.pool = pool
		}
	}
}

// WithRetryPolicy overrides the retry policy wrapped around the AI client,
// letting tests inject fake sleeps and clocks.
func WithRetryPolicy(policy *ai.RetryPolicy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.ai = policy
		}
	}
}

// WithPoolSizing overrides the default worker count and task buffer depth
// of the pool the engine builds when none is injected.
func WithPoolSizing(size, taskBuffer int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.poolSize = uint(size)
		}
		if taskBuffer > 0 {
			e.poolBuffer = uint(taskBuffer)
		}
	}
}

// New constructs an Engine, starting its worker pool immediately.
func New(ctx context.Context, st store.Store, bus *eventbus.Bus, aiClient ai.Client, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.L()
	}
	e := &Engine{
		store:      st,
		bus:        bus,
		ai:         ai.NewRetryPolicy(aiClient),
		poolSize:   256,
		poolBuffer: 4096,
		log:        logger,
		clock:      systemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.pool == nil {
		pool := workers.New[struct{}](ctx, &workers.Config{
			MaxWorkers:       e.poolSize,
			StartImmediately: true,
			TasksBufferSize:  e.poolBuffer,
			ErrorsBufferSize: 1024,
		})
		e.pool = pool
		go e.drainPoolErrors(pool.GetErrors())
	}
	return e
}

func (e *Engine) drainPoolErrors(errs <-chan error) {
	for err := range errs {
		if err != nil {
			e.log.Error("background task failed", logging.Error(err))
		}
	}
}

func (e *Engine) publish(event eventbus.Event) {
	e.bus.Publish(event)
	if e.audit != nil {
		e.audit.RecordEvent(event)
	}
}

// IngestAck is the immediate, store-I/O-free acknowledgment returned by Ingest.
type IngestAck struct {
	CallID   string
	Sequence int64
}

// Ingest validates the inbound packet and hands mutation work off to the
// worker pool, returning immediately so the 50ms ack contract holds.
func (e *Engine) Ingest(ctx context.Context, callID string, seq int64, data string, timestamp float64) (IngestAck, error) {
	if callID == "" || data == "" || seq < 0 || timestamp <= 0 {
		return IngestAck{}, callerr.New(callerr.InvalidInput, "call_id, non-empty data, non-negative sequence, and positive timestamp are required")
	}
	ack := IngestAck{CallID: callID, Sequence: seq}
	if err := e.pool.AddTask(func(taskCtx context.Context) error {
		e.mutatePacket(taskCtx, callID, seq, data, timestamp)
		return nil
	}); err != nil {
		//1.- Pool saturation must not fail the caller's ack; fall back to a detached goroutine.
		e.log.Warn("worker pool saturated, dispatching ingest mutation directly", logging.String("call_id", callID))
		go e.mutatePacket(context.Background(), callID, seq, data, timestamp)
	}
	return ack, nil
}

func (e *Engine) mutatePacket(ctx context.Context, callID string, seq int64, data string, timestamp float64) {
	call, lock, err := e.store.LoadForUpdate(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		call, lock, err = e.store.CreateIfAbsent(ctx, callID)
	}
	if err != nil {
		e.log.Error("failed to acquire call lock for ingest", logging.Error(err), logging.String("call_id", callID))
		return
	}

	if lifecycle.IsTerminal(call.State) || call.State == model.StateProcessing {
		//1.- Best-effort persistence: store the packet but never mutate tracking state.
		outcome, insertErr := lock.InsertPacket(ctx, seq, data, timestamp)
		if insertErr != nil {
			e.log.Error("best-effort packet insert failed", logging.Error(insertErr), logging.String("call_id", callID))
			_ = lock.Rollback(ctx)
			return
		}
		if outcome == store.Inserted {
			call.ReceivedCount++
			call.UpdatedAt = e.clock.Now()
			if saveErr := lock.Save(ctx, call); saveErr != nil {
				e.log.Error("failed to save received_count after terminal-state insert", logging.Error(saveErr), logging.String("call_id", callID))
				_ = lock.Rollback(ctx)
				return
			}
		}
		_ = lock.Commit(ctx)
		return
	}

	outcome, err := lock.InsertPacket(ctx, seq, data, timestamp)
	if err != nil {
		e.log.Error("packet insert failed", logging.Error(err), logging.String("call_id", callID))
		_ = lock.Rollback(ctx)
		return
	}
	if outcome == store.DuplicateInsert {
		_ = lock.Commit(ctx)
		return
	}

	decision := sequence.Evaluate(call, seq)
	if decision.MissingOverflow {
		e.log.Warn("missing-sequence cap exceeded", logging.String("call_id", callID), logging.Int64("sequence", seq))
	}
	call.ReceivedCount++
	call.UpdatedAt = e.clock.Now()

	if err := lock.Save(ctx, call); err != nil {
		e.log.Error("failed to save call after ingest", logging.Error(err), logging.String("call_id", callID))
		_ = lock.Rollback(ctx)
		return
	}

	//2.- A duplicate classification on a freshly stored row (a sequence past
	// the frozen high-water mark after completion, or one dropped by the
	// missing cap) keeps the row for audit but publishes nothing.
	//3.- Publishing inside the lock scope keeps per-call events in
	// linearization order; the bus never blocks on a subscriber.
	if decision.Classification != sequence.Duplicate {
		e.publish(eventbus.Event{
			Kind: eventbus.KindPacketReceived,
			PacketReceived: &eventbus.PacketReceived{
				CallID:        callID,
				Sequence:      seq,
				TotalReceived: call.ReceivedCount,
				Missing:       append([]int64(nil), call.Missing...),
			},
		})
	}

	if err := lock.Commit(ctx); err != nil {
		e.log.Error("failed to commit call after ingest", logging.Error(err), logging.String("call_id", callID))
	}
}

// CompleteStatus enumerates the outcome reported to the completion caller.
type CompleteStatus string

const (
	CompleteAccepted        CompleteStatus = "accepted"
	CompleteAlreadyDone     CompleteStatus = "already_completed"
	CompleteAlreadyTerminal CompleteStatus = "already_terminal"
)

// CompleteResult is the immediate outcome returned by Complete.
type CompleteResult struct {
	Status        CompleteStatus
	ExpectedTotal int
}

// Complete validates the completion signal, performs the synchronous
// IN_PROGRESS -> COMPLETED transition under the call's exclusive lock, and
// schedules the asynchronous completion pipeline.
func (e *Engine) Complete(ctx context.Context, callID string, expectedTotal int) (CompleteResult, error) {
	if expectedTotal <= 0 {
		return CompleteResult{}, callerr.New(callerr.InvalidInput, "total_packets must be a positive integer")
	}

	call, lock, err := e.store.LoadForUpdate(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		call, lock, err = e.store.CreateIfAbsent(ctx, callID)
	}
	if err != nil {
		return CompleteResult{}, callerr.Wrap(callerr.StoreError, "failed to load call for completion", err)
	}

	switch {
	case lifecycle.IsTerminal(call.State):
		_ = lock.Commit(ctx)
		return CompleteResult{Status: CompleteAlreadyTerminal, ExpectedTotal: derefInt(call.ExpectedTotal)}, nil
	case call.State != model.StateInProgress:
		_ = lock.Commit(ctx)
		return CompleteResult{Status: CompleteAlreadyDone, ExpectedTotal: derefInt(call.ExpectedTotal)}, nil
	}

	if err := lifecycle.Transition(call, model.StateCompleted); err != nil {
		_ = lock.Rollback(ctx)
		return CompleteResult{}, err
	}
	total := expectedTotal
	call.ExpectedTotal = &total
	call.UpdatedAt = e.clock.Now()

	if err := lock.Save(ctx, call); err != nil {
		_ = lock.Rollback(ctx)
		return CompleteResult{}, callerr.Wrap(callerr.StoreError, "failed to save completion transition", err)
	}
	e.publish(eventbus.Event{
		Kind: eventbus.KindStateChanged,
		StateChanged: &eventbus.StateChanged{
			CallID:    callID,
			FromState: string(model.StateInProgress),
			ToState:   string(model.StateCompleted),
		},
	})
	if err := lock.Commit(ctx); err != nil {
		return CompleteResult{}, callerr.Wrap(callerr.StoreError, "failed to commit completion transition", err)
	}

	if taskErr := e.pool.AddTask(func(taskCtx context.Context) error {
		e.runCompletionPipeline(taskCtx, callID)
		return nil
	}); taskErr != nil {
		e.log.Warn("worker pool saturated, dispatching completion pipeline directly", logging.String("call_id", callID))
		go e.runCompletionPipeline(context.Background(), callID)
	}

	return CompleteResult{Status: CompleteAccepted, ExpectedTotal: expectedTotal}, nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (e *Engine) runCompletionPipeline(ctx context.Context, callID string) {
	if err := e.clock.Sleep(ctx, GraceInterval); err != nil {
		e.log.Warn("completion pipeline grace wait interrupted", logging.Error(err), logging.String("call_id", callID))
		return
	}

	call, lock, err := e.store.LoadForUpdate(ctx, callID)
	if err != nil {
		e.log.Error("failed to load call for processing transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	if call.State != model.StateCompleted {
		//1.- A concurrent pipeline run or terminal race already moved the call; do not re-enter.
		_ = lock.Commit(ctx)
		return
	}
	if len(call.Missing) > 0 {
		e.log.Warn("entering AI pipeline with missing sequences",
			logging.String("call_id", callID),
			logging.Int("missing_count", len(call.Missing)),
			logging.Bool("received_matches_expected", call.ReceivedCount == derefInt(call.ExpectedTotal)),
		)
	}
	if err := lifecycle.Transition(call, model.StateProcessing); err != nil {
		_ = lock.Rollback(ctx)
		e.failPipeline(ctx, callID, err.Error())
		return
	}
	call.UpdatedAt = e.clock.Now()
	if err := lock.Save(ctx, call); err != nil {
		_ = lock.Rollback(ctx)
		e.log.Error("failed to save processing transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	e.publish(eventbus.Event{
		Kind: eventbus.KindStateChanged,
		StateChanged: &eventbus.StateChanged{
			CallID:    callID,
			FromState: string(model.StateCompleted),
			ToState:   string(model.StateProcessing),
		},
	})
	if err := lock.Commit(ctx); err != nil {
		e.log.Error("failed to commit processing transition", logging.Error(err), logging.String("call_id", callID))
		return
	}

	packets, err := e.store.ListPacketsOrdered(ctx, callID)
	if err != nil {
		e.failPipeline(ctx, callID, "failed to read packets for ai payload: "+err.Error())
		return
	}
	payload := buildPayload(packets)

	//2.- The AI invocation and its retry sleeps run without holding the call lock.
	result, aiErr := e.ai.Transcribe(ctx, payload)
	if aiErr != nil {
		e.failPipeline(ctx, callID, aiErr.Error())
		return
	}

	call, lock, err = e.store.LoadForUpdate(ctx, callID)
	if err != nil {
		e.log.Error("failed to load call for archive transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	if err := lifecycle.Transition(call, model.StateArchived); err != nil {
		_ = lock.Rollback(ctx)
		e.log.Error("invalid archive transition", logging.Error(err), logging.String("call_id", callID))
		e.failPipeline(ctx, callID, err.Error())
		return
	}
	transcription := result.Transcription
	sentiment := result.Sentiment
	call.Transcription = &transcription
	call.Sentiment = &sentiment
	call.UpdatedAt = e.clock.Now()
	if err := lock.Save(ctx, call); err != nil {
		_ = lock.Rollback(ctx)
		e.log.Error("failed to save archive transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	e.publish(eventbus.Event{
		Kind: eventbus.KindAICompleted,
		AICompleted: &eventbus.AICompleted{
			CallID:        callID,
			Transcription: transcription,
			Sentiment:     sentiment,
		},
	})
	e.publish(eventbus.Event{
		Kind: eventbus.KindStateChanged,
		StateChanged: &eventbus.StateChanged{
			CallID:    callID,
			FromState: string(model.StateProcessing),
			ToState:   string(model.StateArchived),
		},
	})
	if err := lock.Commit(ctx); err != nil {
		e.log.Error("failed to commit archive transition", logging.Error(err), logging.String("call_id", callID))
	}
}

func (e *Engine) failPipeline(ctx context.Context, callID, reason string) {
	call, lock, err := e.store.LoadForUpdate(ctx, callID)
	if err != nil {
		e.log.Error("failed to load call to record pipeline failure", logging.Error(err), logging.String("call_id", callID))
		return
	}
	if lifecycle.IsTerminal(call.State) {
		_ = lock.Commit(ctx)
		return
	}
	fromState := call.State
	call.State = model.StateFailed
	call.FailureReason = reason
	call.UpdatedAt = e.clock.Now()
	if err := lock.Save(ctx, call); err != nil {
		_ = lock.Rollback(ctx)
		e.log.Error("failed to save failed transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	e.publish(eventbus.Event{
		Kind:     eventbus.KindAIFailed,
		AIFailed: &eventbus.AIFailed{CallID: callID, Reason: reason},
	})
	e.publish(eventbus.Event{
		Kind: eventbus.KindStateChanged,
		StateChanged: &eventbus.StateChanged{
			CallID:    callID,
			FromState: string(fromState),
			ToState:   string(model.StateFailed),
		},
	})
	if err := lock.Commit(ctx); err != nil {
		e.log.Error("failed to commit failed transition", logging.Error(err), logging.String("call_id", callID))
		return
	}
	e.log.Error("call pipeline failed", logging.String("call_id", callID), logging.String("reason", reason))
}

func buildPayload(packets []model.Packet) string {
	payload := ""
	for i, p := range packets {
		if i > 0 {
			payload += " "
		}
		payload += p.Data
	}
	return payload
}
