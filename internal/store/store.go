// Package store defines the narrow persistence contract the call engine
// requires: exclusive-locked per-call read/mutate, packet insert with
// uniqueness, and ordered packet listing. The core never issues ad-hoc
// queries beyond these five operations.
package store

import (
	"context"
	"errors"

	"callrelay/broker/internal/model"
)

// ErrNotFound is returned by LoadForUpdate when the call_id has no row.
var ErrNotFound = errors.New("call not found")

// InsertOutcome reports whether insert_packet created a new row or hit the
// (call_id, sequence) uniqueness constraint.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	DuplicateInsert
)

// Lock represents the exclusive hold acquired by LoadForUpdate. Callers must
// call Commit or Rollback exactly once to release it. Packet inserts issued
// through the lock are part of the same transaction as Save: Rollback
// discards both, so received_count and the packet rows move together.
type Lock interface {
	// Save persists the supplied call's mutated fields without releasing the lock.
	Save(ctx context.Context, call *model.Call) error
	// InsertPacket attempts to persist a packet for the locked call,
	// signaling DuplicateInsert instead of erroring when (call_id, sequence)
	// already exists. The insert commits or rolls back with the lock.
	InsertPacket(ctx context.Context, sequence int64, data string, timestamp float64) (InsertOutcome, error)
	// Commit persists pending Saves and inserts, then releases the lock.
	Commit(ctx context.Context) error
	// Rollback discards pending Saves and inserts, then releases the lock.
	Rollback(ctx context.Context) error
}

// Store is the persistence contract consumed by the call engine.
type Store interface {
	// LoadForUpdate acquires an exclusive lock on call_id's row for the
	// duration of the returned Lock's lifetime. Other LoadForUpdate calls for
	// the same call_id block until Commit/Rollback; different call_ids never
	// block each other.
	LoadForUpdate(ctx context.Context, callID string) (*model.Call, Lock, error)
	// CreateIfAbsent idempotently creates call_id at its initial state and
	// returns it under an exclusive lock, equivalent to LoadForUpdate after
	// creation.
	CreateIfAbsent(ctx context.Context, callID string) (*model.Call, Lock, error)
	// ListPacketsOrdered returns every packet for callID in ascending sequence order.
	ListPacketsOrdered(ctx context.Context, callID string) ([]model.Packet, error)
}
