package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callrelay/broker/internal/model"
	"callrelay/broker/internal/store"
)

// Transient failures (deadlocks, serialization aborts, lost connections)
// are retried a small fixed number of times before the error propagates.
const (
	transientAttempts = 3
	transientBackoff  = 50 * time.Millisecond
)

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}

func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(transientBackoff):
		}
	}
	return err
}

// Store implements store.Store against a pgxpool-backed PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a postgres-backed Store over an already-established pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// txLock is the Lock implementation returned by LoadForUpdate/CreateIfAbsent;
// the open transaction itself is the exclusive hold demanded by the contract,
// and packet inserts issued through the lock execute on that transaction so
// they commit or roll back together with the call-row mutation.
type txLock struct {
	tx     pgx.Tx
	callID string
}

func (l *txLock) Save(ctx context.Context, call *model.Call) error {
	_, err := l.tx.Exec(ctx, `
		UPDATE calls SET
			state = $2, received_count = $3, expected_total = $4, expected_next = $5,
			missing = $6, missing_overflow = $7, transcription = $8, sentiment = $9,
			failure_reason = $10, updated_at = $11
		WHERE call_id = $1`,
		call.CallID, string(call.State), call.ReceivedCount, call.ExpectedTotal, call.ExpectedNext,
		call.Missing, call.MissingOverflow, call.Transcription, call.Sentiment,
		call.FailureReason, call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

// InsertPacket implements store.Lock on the open transaction.
func (l *txLock) InsertPacket(ctx context.Context, sequence int64, data string, timestamp float64) (store.InsertOutcome, error) {
	tag, err := l.tx.Exec(ctx, `
		INSERT INTO packets (call_id, sequence, data, timestamp, received_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (call_id, sequence) DO NOTHING`, l.callID, sequence, data, timestamp)
	if err != nil {
		return store.Inserted, fmt.Errorf("insert packet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.DuplicateInsert, nil
	}
	return store.Inserted, nil
}

func (l *txLock) Commit(ctx context.Context) error {
	return l.tx.Commit(ctx)
}

func (l *txLock) Rollback(ctx context.Context) error {
	return l.tx.Rollback(ctx)
}

func scanCall(row pgx.Row) (*model.Call, error) {
	var call model.Call
	var state string
	if err := row.Scan(
		&call.CallID, &state, &call.ReceivedCount, &call.ExpectedTotal, &call.ExpectedNext,
		&call.Missing, &call.MissingOverflow, &call.Transcription, &call.Sentiment,
		&call.FailureReason, &call.CreatedAt, &call.UpdatedAt,
	); err != nil {
		return nil, err
	}
	call.State = model.State(state)
	return &call, nil
}

const selectForUpdate = `
	SELECT call_id, state, received_count, expected_total, expected_next,
	       missing, missing_overflow, transcription, sentiment, failure_reason,
	       created_at, updated_at
	FROM calls WHERE call_id = $1 FOR UPDATE`

// LoadForUpdate implements store.Store.
func (s *Store) LoadForUpdate(ctx context.Context, callID string) (*model.Call, store.Lock, error) {
	var call *model.Call
	var lock store.Lock
	err := retryTransient(ctx, func() error {
		var err error
		call, lock, err = s.loadForUpdateOnce(ctx, callID)
		return err
	})
	return call, lock, err
}

func (s *Store) loadForUpdateOnce(ctx context.Context, callID string) (*model.Call, store.Lock, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	call, err := scanCall(tx.QueryRow(ctx, selectForUpdate, callID))
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, fmt.Errorf("load call for update: %w", err)
	}
	return call, &txLock{tx: tx, callID: callID}, nil
}

// CreateIfAbsent implements store.Store.
func (s *Store) CreateIfAbsent(ctx context.Context, callID string) (*model.Call, store.Lock, error) {
	var call *model.Call
	var lock store.Lock
	err := retryTransient(ctx, func() error {
		var err error
		call, lock, err = s.createIfAbsentOnce(ctx, callID)
		return err
	})
	return call, lock, err
}

func (s *Store) createIfAbsentOnce(ctx context.Context, callID string) (*model.Call, store.Lock, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO calls (call_id, state, received_count, expected_next, missing, missing_overflow, created_at, updated_at)
		VALUES ($1, $2, 0, 0, '{}', FALSE, now(), now())
		ON CONFLICT (call_id) DO NOTHING`, callID, string(model.StateInProgress))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("create call if absent: %w", err)
	}
	call, err := scanCall(tx.QueryRow(ctx, selectForUpdate, callID))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("reload created call: %w", err)
	}
	return call, &txLock{tx: tx, callID: callID}, nil
}

// ListPacketsOrdered implements store.Store.
func (s *Store) ListPacketsOrdered(ctx context.Context, callID string) ([]model.Packet, error) {
	var packets []model.Packet
	err := retryTransient(ctx, func() error {
		var err error
		packets, err = s.listPacketsOrderedOnce(ctx, callID)
		return err
	})
	return packets, err
}

func (s *Store) listPacketsOrderedOnce(ctx context.Context, callID string) ([]model.Packet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, sequence, data, timestamp, received_at
		FROM packets WHERE call_id = $1 ORDER BY sequence ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	defer rows.Close()

	var packets []model.Packet
	for rows.Next() {
		var p model.Packet
		if err := rows.Scan(&p.CallID, &p.Sequence, &p.Data, &p.Timestamp, &p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		packets = append(packets, p)
	}
	return packets, rows.Err()
}
