package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callrelay/broker/internal/ai"
	"callrelay/broker/internal/callerr"
	"callrelay/broker/internal/eventbus"
	"callrelay/broker/internal/logging"
	"callrelay/broker/internal/model"
	"callrelay/broker/internal/store"
)

// inlinePool executes submitted tasks synchronously on the caller's
// goroutine so tests observe committed state as soon as Ingest/Complete
// return.
type inlinePool struct{}

func (inlinePool) Start(context.Context) {}

func (inlinePool) AddTask(task interface{}) error {
	fn, ok := task.(func(context.Context) error)
	if !ok {
		return errors.New("unexpected task type")
	}
	_ = fn(context.Background())
	return nil
}

func (inlinePool) GetResults() chan struct{} { return nil }
func (inlinePool) GetErrors() chan error     { return nil }

// deferredPool queues submitted tasks so tests can interleave assertions
// between the synchronous part of an operation and its background work.
type deferredPool struct {
	mu    sync.Mutex
	tasks []func(context.Context) error
}

func (p *deferredPool) Start(context.Context) {}

func (p *deferredPool) AddTask(task interface{}) error {
	fn, ok := task.(func(context.Context) error)
	if !ok {
		return errors.New("unexpected task type")
	}
	p.mu.Lock()
	p.tasks = append(p.tasks, fn)
	p.mu.Unlock()
	return nil
}

func (p *deferredPool) GetResults() chan struct{} { return nil }
func (p *deferredPool) GetErrors() chan error     { return nil }

func (p *deferredPool) runAll() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, fn := range tasks {
		_ = fn(context.Background())
	}
}

// runNewest executes only the most recently queued task, letting tests run
// an ingest mutation while an earlier-queued pipeline stays parked.
func (p *deferredPool) runNewest() {
	p.mu.Lock()
	if len(p.tasks) == 0 {
		p.mu.Unlock()
		return
	}
	fn := p.tasks[len(p.tasks)-1]
	p.tasks = p.tasks[:len(p.tasks)-1]
	p.mu.Unlock()
	_ = fn(context.Background())
}

// instantClock skips the grace wait and returns a fixed time.
type instantClock struct{ at time.Time }

func (c instantClock) Now() time.Time { return c.at }

func (c instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func succeedingClient(transcription, sentiment string) ai.Client {
	return ai.ClientFunc(func(context.Context, string) (ai.Result, error) {
		return ai.Result{Transcription: transcription, Sentiment: sentiment, Confidence: 0.9}, nil
	})
}

func failingClient() ai.Client {
	return ai.ClientFunc(func(context.Context, string) (ai.Result, error) {
		return ai.Result{}, errors.New("model offline")
	})
}

func fastRetry(client ai.Client) *ai.RetryPolicy {
	now := time.Unix(0, 0)
	return ai.NewRetryPolicy(client,
		ai.WithRetrySleep(func(context.Context, time.Duration) error { return nil }),
		ai.WithRetryClock(func() time.Time { return now }),
	)
}

type fixture struct {
	engine *Engine
	store  *store.Memory
	sub    *eventbus.Subscription
}

func newFixture(t *testing.T, client ai.Client, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New(logging.NewTestLogger())
	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	base := []Option{
		WithWorkerPool(inlinePool{}),
		WithClock(instantClock{at: time.Unix(1700000000, 0)}),
		WithRetryPolicy(fastRetry(client)),
	}
	eng := New(context.Background(), st, bus, client, logging.NewTestLogger(), append(base, opts...)...)
	return &fixture{engine: eng, store: st, sub: sub}
}

func (f *fixture) call(t *testing.T, callID string) *model.Call {
	t.Helper()
	call, lock, err := f.store.LoadForUpdate(context.Background(), callID)
	if err != nil {
		t.Fatalf("load call %s: %v", callID, err)
	}
	_ = lock.Rollback(context.Background())
	return call
}

func (f *fixture) drainEvents() []eventbus.Event {
	var events []eventbus.Event
	for {
		select {
		case event := <-f.sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func countKind(events []eventbus.Event, kind eventbus.Kind) int {
	n := 0
	for _, event := range events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	tests := []struct {
		name      string
		callID    string
		sequence  int64
		data      string
		timestamp float64
	}{
		{"empty call id", "", 0, "d", 1},
		{"negative sequence", "c1", -1, "d", 1},
		{"empty data", "c1", 0, "", 1},
		{"zero timestamp", "c1", 0, "d", 0},
		{"negative timestamp", "c1", 0, "d", -5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Ingest(context.Background(), tc.callID, tc.sequence, tc.data, tc.timestamp)
			if !callerr.Is(err, callerr.InvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
		})
	}

	//1.- Sequence zero is the valid lower boundary.
	if _, err := f.engine.Ingest(context.Background(), "c1", 0, "d", 1); err != nil {
		t.Fatalf("sequence 0 must be accepted, got %v", err)
	}
}

func TestIngestInOrderSequence(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	ctx := context.Background()

	for seq := int64(0); seq < 3; seq++ {
		if _, err := f.engine.Ingest(ctx, "c1", seq, "word", 1.5); err != nil {
			t.Fatalf("ingest %d failed: %v", seq, err)
		}
	}

	call := f.call(t, "c1")
	if call.State != model.StateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", call.State)
	}
	if call.ReceivedCount != 3 || call.ExpectedNext != 3 || len(call.Missing) != 0 {
		t.Fatalf("unexpected tracking state: count=%d next=%d missing=%v", call.ReceivedCount, call.ExpectedNext, call.Missing)
	}

	events := f.drainEvents()
	if countKind(events, eventbus.KindPacketReceived) != 3 {
		t.Fatalf("expected 3 packet_received events, got %d", countKind(events, eventbus.KindPacketReceived))
	}
	last := events[len(events)-1].PacketReceived
	if last.TotalReceived != 3 || len(last.Missing) != 0 {
		t.Fatalf("unexpected final event payload: %+v", last)
	}
}

func TestIngestGapThenLateFill(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	ctx := context.Background()

	for _, seq := range []int64{0, 1, 2, 5} {
		if _, err := f.engine.Ingest(ctx, "c2", seq, "word", 1.0); err != nil {
			t.Fatalf("ingest %d failed: %v", seq, err)
		}
	}
	call := f.call(t, "c2")
	if call.ExpectedNext != 6 {
		t.Fatalf("expected next 6, got %d", call.ExpectedNext)
	}
	if len(call.Missing) != 2 || call.Missing[0] != 3 || call.Missing[1] != 4 {
		t.Fatalf("expected missing [3 4], got %v", call.Missing)
	}

	if _, err := f.engine.Ingest(ctx, "c2", 3, "late", 1.0); err != nil {
		t.Fatalf("late ingest failed: %v", err)
	}
	call = f.call(t, "c2")
	if len(call.Missing) != 1 || call.Missing[0] != 4 {
		t.Fatalf("expected missing [4], got %v", call.Missing)
	}

	if _, err := f.engine.Ingest(ctx, "c2", 4, "late", 1.0); err != nil {
		t.Fatalf("late ingest failed: %v", err)
	}
	call = f.call(t, "c2")
	if len(call.Missing) != 0 || call.ReceivedCount != 6 || call.ExpectedNext != 6 {
		t.Fatalf("unexpected final state: count=%d next=%d missing=%v", call.ReceivedCount, call.ExpectedNext, call.Missing)
	}
}

func TestIngestDuplicateLeavesSingleRow(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Ingest(ctx, "c3", 0, "word", 1.0); err != nil {
			t.Fatalf("ingest attempt %d failed: %v", i, err)
		}
	}

	call := f.call(t, "c3")
	if call.ReceivedCount != 1 {
		t.Fatalf("expected received_count 1, got %d", call.ReceivedCount)
	}
	packets, err := f.store.ListPacketsOrdered(ctx, "c3")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected one stored row, got %d", len(packets))
	}

	//1.- The duplicate commits silently: exactly one packet_received event.
	events := f.drainEvents()
	if countKind(events, eventbus.KindPacketReceived) != 1 {
		t.Fatalf("expected 1 packet_received event, got %d", countKind(events, eventbus.KindPacketReceived))
	}
}

func TestIngestConcurrentPacketsAllLand(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, seq := range []int64{0, 1} {
		wg.Add(1)
		go func(s int64) {
			defer wg.Done()
			if _, err := f.engine.Ingest(ctx, "c4", s, "word", 1.0); err != nil {
				t.Errorf("ingest %d failed: %v", s, err)
			}
		}(seq)
	}
	wg.Wait()

	call := f.call(t, "c4")
	if call.ReceivedCount != 2 || call.ExpectedNext != 2 || len(call.Missing) != 0 {
		t.Fatalf("lost update under concurrency: count=%d next=%d missing=%v", call.ReceivedCount, call.ExpectedNext, call.Missing)
	}
}

func TestCompleteRejectsInvalidTotal(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	for _, total := range []int{0, -3} {
		if _, err := f.engine.Complete(context.Background(), "c1", total); !callerr.Is(err, callerr.InvalidInput) {
			t.Fatalf("expected InvalidInput for total %d, got %v", total, err)
		}
	}
}

func TestCompletePipelineArchivesCall(t *testing.T) {
	f := newFixture(t, succeedingClient("the transcript", "positive"))
	ctx := context.Background()

	for seq := int64(0); seq < 3; seq++ {
		if _, err := f.engine.Ingest(ctx, "c1", seq, "word", 1.0); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	result, err := f.engine.Complete(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if result.Status != CompleteAccepted || result.ExpectedTotal != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}

	call := f.call(t, "c1")
	if call.State != model.StateArchived {
		t.Fatalf("expected ARCHIVED after pipeline, got %s", call.State)
	}
	if call.Transcription == nil || *call.Transcription != "the transcript" {
		t.Fatalf("transcription not recorded: %+v", call.Transcription)
	}
	if call.Sentiment == nil || *call.Sentiment != "positive" {
		t.Fatalf("sentiment not recorded: %+v", call.Sentiment)
	}
	if call.ExpectedTotal == nil || *call.ExpectedTotal != 3 {
		t.Fatalf("expected_total not recorded: %+v", call.ExpectedTotal)
	}

	//1.- The event stream follows linearization order through the lifecycle.
	events := f.drainEvents()
	var kinds []eventbus.Kind
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	want := []eventbus.Kind{
		eventbus.KindPacketReceived,
		eventbus.KindPacketReceived,
		eventbus.KindPacketReceived,
		eventbus.KindStateChanged,
		eventbus.KindStateChanged,
		eventbus.KindAICompleted,
		eventbus.KindStateChanged,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}
}

func TestCompletePipelineConcatenatesPayloadInOrder(t *testing.T) {
	var captured string
	client := ai.ClientFunc(func(_ context.Context, payload string) (ai.Result, error) {
		captured = payload
		return ai.Result{Transcription: "t", Sentiment: "s"}, nil
	})
	f := newFixture(t, client)
	ctx := context.Background()

	//1.- Out-of-order arrival must still produce an in-order payload.
	for _, p := range []struct {
		seq  int64
		data string
	}{{2, "three"}, {0, "one"}, {1, "two"}} {
		if _, err := f.engine.Ingest(ctx, "c1", p.seq, p.data, 1.0); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}
	if _, err := f.engine.Complete(ctx, "c1", 3); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if captured != "one two three" {
		t.Fatalf("expected space-joined ordered payload, got %q", captured)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	pool := &deferredPool{}
	f := newFixture(t, succeedingClient("t", "s"), WithWorkerPool(pool))
	ctx := context.Background()

	if _, err := f.engine.Complete(ctx, "c1", 2); err != nil {
		t.Fatalf("first complete failed: %v", err)
	}

	//1.- A second signal while still COMPLETED reports already_completed.
	second, err := f.engine.Complete(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("second complete failed: %v", err)
	}
	if second.Status != CompleteAlreadyDone {
		t.Fatalf("expected already_completed, got %s", second.Status)
	}
	if second.ExpectedTotal != 2 {
		t.Fatalf("expected recorded total 2, got %d", second.ExpectedTotal)
	}

	//2.- expected_total is never overwritten by a repeat signal.
	if _, err := f.engine.Complete(ctx, "c1", 99); err != nil {
		t.Fatalf("third complete failed: %v", err)
	}
	if call := f.call(t, "c1"); call.ExpectedTotal == nil || *call.ExpectedTotal != 2 {
		t.Fatalf("expected_total mutated: %+v", call.ExpectedTotal)
	}

	//3.- Exactly one pipeline was scheduled despite three signals.
	pool.mu.Lock()
	scheduled := len(pool.tasks)
	pool.mu.Unlock()
	if scheduled != 1 {
		t.Fatalf("expected 1 scheduled pipeline, got %d", scheduled)
	}

	pool.runAll()
	if call := f.call(t, "c1"); call.State != model.StateArchived {
		t.Fatalf("expected ARCHIVED after pipeline run, got %s", call.State)
	}

	//4.- Post-terminal completion signals report already_terminal.
	final, err := f.engine.Complete(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("post-terminal complete failed: %v", err)
	}
	if final.Status != CompleteAlreadyTerminal {
		t.Fatalf("expected already_terminal, got %s", final.Status)
	}
}

func TestPipelineFailureEmitsSingleFailure(t *testing.T) {
	f := newFixture(t, failingClient())
	ctx := context.Background()

	if _, err := f.engine.Ingest(ctx, "c5", 0, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := f.engine.Complete(ctx, "c5", 1); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	call := f.call(t, "c5")
	if call.State != model.StateFailed {
		t.Fatalf("expected FAILED, got %s", call.State)
	}
	if call.FailureReason == "" {
		t.Fatal("expected a recorded failure reason")
	}
	if call.Transcription != nil || call.Sentiment != nil {
		t.Fatal("failed calls must not carry AI results")
	}

	events := f.drainEvents()
	if countKind(events, eventbus.KindAIFailed) != 1 {
		t.Fatalf("expected exactly one ai_failed event, got %d", countKind(events, eventbus.KindAIFailed))
	}
	if countKind(events, eventbus.KindAICompleted) != 0 {
		t.Fatal("failed pipeline must not emit ai_completed")
	}
}

func TestIngestAfterTerminalStateIsBestEffort(t *testing.T) {
	f := newFixture(t, failingClient())
	ctx := context.Background()

	if _, err := f.engine.Ingest(ctx, "c6", 0, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := f.engine.Complete(ctx, "c6", 1); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if call := f.call(t, "c6"); call.State != model.StateFailed {
		t.Fatalf("expected FAILED, got %s", call.State)
	}
	before := f.call(t, "c6")
	f.drainEvents()

	//1.- A new late packet is stored but tracking fields stay frozen.
	if _, err := f.engine.Ingest(ctx, "c6", 7, "late", 1.0); err != nil {
		t.Fatalf("late ingest failed: %v", err)
	}
	after := f.call(t, "c6")
	if after.ReceivedCount != before.ReceivedCount+1 {
		t.Fatalf("expected received_count to grow by one, got %d -> %d", before.ReceivedCount, after.ReceivedCount)
	}
	if after.ExpectedNext != before.ExpectedNext || len(after.Missing) != len(before.Missing) {
		t.Fatal("terminal-state ingest must not mutate tracking fields")
	}
	if after.State != model.StateFailed {
		t.Fatalf("state changed to %s", after.State)
	}
	packets, err := f.store.ListPacketsOrdered(ctx, "c6")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected the late packet stored, have %d rows", len(packets))
	}

	//2.- No events are published for terminal-state packets.
	if events := f.drainEvents(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}

	//3.- A duplicate of an already-stored sequence is swallowed silently.
	if _, err := f.engine.Ingest(ctx, "c6", 0, "word", 1.0); err != nil {
		t.Fatalf("duplicate ingest failed: %v", err)
	}
	if final := f.call(t, "c6"); final.ReceivedCount != after.ReceivedCount {
		t.Fatalf("duplicate must not change received_count, got %d", final.ReceivedCount)
	}
}

func TestIngestDuringGraceWindowFreezesTracking(t *testing.T) {
	pool := &deferredPool{}
	f := newFixture(t, succeedingClient("t", "s"), WithWorkerPool(pool))
	ctx := context.Background()

	//1.- Build a call with a known gap: 0 and 2 accepted, 1 missing.
	if _, err := f.engine.Ingest(ctx, "c9", 0, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	pool.runNewest()
	if _, err := f.engine.Ingest(ctx, "c9", 2, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	pool.runNewest()

	if _, err := f.engine.Complete(ctx, "c9", 3); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	f.drainEvents()

	//2.- A sequence past the frozen high-water mark during grace is stored
	// but mutates no tracking fields and publishes nothing.
	if _, err := f.engine.Ingest(ctx, "c9", 7, "late", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	pool.runNewest()
	call := f.call(t, "c9")
	if call.State != model.StateCompleted {
		t.Fatalf("expected COMPLETED during grace, got %s", call.State)
	}
	if call.ReceivedCount != 3 {
		t.Fatalf("expected the row stored with received_count 3, got %d", call.ReceivedCount)
	}
	if call.ExpectedNext != 3 {
		t.Fatalf("expected_next must stay frozen at 3, got %d", call.ExpectedNext)
	}
	if len(call.Missing) != 1 || call.Missing[0] != 1 {
		t.Fatalf("missing must stay [1], got %v", call.Missing)
	}
	packets, err := f.store.ListPacketsOrdered(ctx, "c9")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("expected 3 stored rows, got %d", len(packets))
	}
	if events := f.drainEvents(); len(events) != 0 {
		t.Fatalf("expected no events for the frozen-mark packet, got %d", len(events))
	}

	//3.- Filling the known gap during grace still lands and publishes.
	if _, err := f.engine.Ingest(ctx, "c9", 1, "fill", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	pool.runNewest()
	call = f.call(t, "c9")
	if call.ReceivedCount != 4 || len(call.Missing) != 0 {
		t.Fatalf("late fill not applied: count=%d missing=%v", call.ReceivedCount, call.Missing)
	}
	events := f.drainEvents()
	if countKind(events, eventbus.KindPacketReceived) != 1 {
		t.Fatalf("expected one packet_received for the late fill, got %d", countKind(events, eventbus.KindPacketReceived))
	}

	//4.- The parked pipeline still runs to a terminal state afterwards.
	pool.runAll()
	if call := f.call(t, "c9"); call.State != model.StateArchived {
		t.Fatalf("expected ARCHIVED after pipeline, got %s", call.State)
	}
}

func TestIngestDuringProcessingDoesNotRestartPipeline(t *testing.T) {
	pool := &deferredPool{}
	block := make(chan struct{})
	client := ai.ClientFunc(func(context.Context, string) (ai.Result, error) {
		<-block
		return ai.Result{Transcription: "t", Sentiment: "s"}, nil
	})
	f := newFixture(t, client, WithWorkerPool(pool))
	ctx := context.Background()

	if _, err := f.engine.Ingest(ctx, "c7", 0, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	pool.runAll()
	if _, err := f.engine.Complete(ctx, "c7", 1); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	//1.- Run the pipeline up to the blocked AI call in the background.
	done := make(chan struct{})
	go func() {
		pool.runAll()
		close(done)
	}()
	//2.- Wait for the PROCESSING_AI transition event so the stream is quiet.
	reachedProcessing := false
	deadline := time.After(time.Second)
	for !reachedProcessing {
		select {
		case event := <-f.sub.Events():
			if event.StateChanged != nil && event.StateChanged.ToState == string(model.StateProcessing) {
				reachedProcessing = true
			}
		case <-deadline:
			t.Fatal("call never reached PROCESSING_AI")
		}
	}

	//3.- Packets arriving during PROCESSING_AI are stored without events.
	if _, err := f.engine.Ingest(ctx, "c7", 1, "late", 1.0); err != nil {
		t.Fatalf("ingest during processing failed: %v", err)
	}
	pool.runAll()
	call := f.call(t, "c7")
	if call.State != model.StateProcessing {
		t.Fatalf("expected PROCESSING_AI, got %s", call.State)
	}
	if call.ReceivedCount != 2 {
		t.Fatalf("expected packet stored best-effort, count %d", call.ReceivedCount)
	}
	if events := f.drainEvents(); len(events) != 0 {
		t.Fatalf("expected no events for processing-state ingest, got %d", len(events))
	}

	//4.- The original pipeline still completes exactly once.
	close(block)
	<-done
	call = f.call(t, "c7")
	if call.State != model.StateArchived {
		t.Fatalf("expected ARCHIVED, got %s", call.State)
	}
	events := f.drainEvents()
	if countKind(events, eventbus.KindAICompleted) != 1 {
		t.Fatalf("expected one ai_completed, got %d", countKind(events, eventbus.KindAICompleted))
	}
}

func TestConcurrentCompletionsYieldOneOutcome(t *testing.T) {
	f := newFixture(t, succeedingClient("t", "s"))
	ctx := context.Background()

	if _, err := f.engine.Ingest(ctx, "c8", 0, "word", 1.0); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	f.drainEvents()

	var wg sync.WaitGroup
	accepted := 0
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.engine.Complete(ctx, "c8", 1)
			if err != nil {
				t.Errorf("complete failed: %v", err)
				return
			}
			if result.Status == CompleteAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	//1.- Exactly one completion wins the IN_PROGRESS -> COMPLETED race.
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted completion, got %d", accepted)
	}

	events := f.drainEvents()
	if countKind(events, eventbus.KindAICompleted) != 1 {
		t.Fatalf("expected one ai_completed, got %d", countKind(events, eventbus.KindAICompleted))
	}
	if call := f.call(t, "c8"); call.State != model.StateArchived {
		t.Fatalf("expected ARCHIVED, got %s", call.State)
	}
}
