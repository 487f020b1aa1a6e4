package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"callrelay/broker/internal/model"
)

// record bundles a call with its own mutex, the key-sharded lock table
// described for in-memory deployments: each call key is a mutex-bearing
// entity and different keys never contend with each other.
type record struct {
	mu      sync.Mutex
	call    *model.Call
	packets []model.Packet
	keys    map[int64]struct{}
}

// Memory is an in-process Store backed by a mutex-protected map of
// per-call records, each guarded by its own mutex.
type Memory struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// NewMemoryWithClock constructs an in-memory store with an injectable clock,
// used by tests exercising deterministic timestamps.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) recordFor(callID string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		rec = &record{keys: make(map[int64]struct{})}
		m.records[callID] = rec
	}
	return rec
}

type memoryLock struct {
	rec     *record
	callID  string
	now     func() time.Time
	staged  *model.Call
	inserts []model.Packet
}

func (l *memoryLock) Save(_ context.Context, call *model.Call) error {
	l.staged = call.Clone()
	return nil
}

// InsertPacket stages the packet; it becomes visible on Commit and is
// discarded on Rollback, matching the transactional contract.
func (l *memoryLock) InsertPacket(_ context.Context, sequence int64, data string, timestamp float64) (InsertOutcome, error) {
	if _, exists := l.rec.keys[sequence]; exists {
		return DuplicateInsert, nil
	}
	for _, p := range l.inserts {
		if p.Sequence == sequence {
			return DuplicateInsert, nil
		}
	}
	l.inserts = append(l.inserts, model.Packet{
		CallID:     l.callID,
		Sequence:   sequence,
		Data:       data,
		Timestamp:  timestamp,
		ReceivedAt: l.now(),
	})
	return Inserted, nil
}

func (l *memoryLock) Commit(_ context.Context) error {
	for _, p := range l.inserts {
		l.rec.keys[p.Sequence] = struct{}{}
		l.rec.packets = append(l.rec.packets, p)
	}
	if l.staged != nil {
		l.rec.call = l.staged
	}
	l.rec.mu.Unlock()
	return nil
}

func (l *memoryLock) Rollback(_ context.Context) error {
	l.rec.mu.Unlock()
	return nil
}

// LoadForUpdate implements Store.
func (m *Memory) LoadForUpdate(_ context.Context, callID string) (*model.Call, Lock, error) {
	rec := m.recordFor(callID)
	rec.mu.Lock()
	if rec.call == nil {
		rec.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	return rec.call.Clone(), &memoryLock{rec: rec, callID: callID, now: m.now}, nil
}

// CreateIfAbsent implements Store.
func (m *Memory) CreateIfAbsent(_ context.Context, callID string) (*model.Call, Lock, error) {
	rec := m.recordFor(callID)
	rec.mu.Lock()
	if rec.call == nil {
		rec.call = model.NewCall(callID, m.now())
	}
	return rec.call.Clone(), &memoryLock{rec: rec, callID: callID, now: m.now}, nil
}

// ListPacketsOrdered implements Store. It takes the per-call lock itself:
// the completion pipeline reads packets after releasing its transaction,
// racing best-effort inserts.
func (m *Memory) ListPacketsOrdered(_ context.Context, callID string) ([]model.Packet, error) {
	rec := m.recordFor(callID)
	rec.mu.Lock()
	ordered := append([]model.Packet(nil), rec.packets...)
	rec.mu.Unlock()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	return ordered, nil
}

// Snapshot returns a defensive copy of every call row currently tracked,
// satisfying audit.SnapshotProvider for the periodic durability dump.
func (m *Memory) Snapshot() ([]*model.Call, error) {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	calls := make([]*model.Call, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.call != nil {
			calls = append(calls, rec.call.Clone())
		}
		rec.mu.Unlock()
	}
	return calls, nil
}
