// Package store implements the Exchange Store (C1): a durable,
// compare-and-swap-updated collection of exchange records with TTL
// indexing, plus an in-memory variant for tests and local development.
// Grounded on the teacher's internal/store/sqlite.go (schema-init +
// sync.RWMutex + ErrClosed guard idiom), generalized from its
// events/checkpoints/status_lists tables to a single exchanges table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// ErrClosed is returned by any operation on a store that has been Closed.
var ErrClosed = xerr.New(xerr.Operation, "store is closed")

// SQLiteExchangeStore implements exchange.Store on top of modernc.org/sqlite.
type SQLiteExchangeStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool

	setLastErrorGate time.Duration
	setLastErrorSeq  uint64
}

// SQLiteConfig configures the sqlite-backed store.
type SQLiteConfig struct {
	Path string
}

// NewSQLiteExchangeStore opens (creating if absent) the sqlite database at
// cfg.Path and initializes the exchanges schema.
func NewSQLiteExchangeStore(cfg SQLiteConfig) (*SQLiteExchangeStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	s := &SQLiteExchangeStore{db: db, setLastErrorGate: time.Second, setLastErrorSeq: 5}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteExchangeStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS exchanges (
			workflow_id_local TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			state TEXT NOT NULL,
			expires DATETIME NOT NULL,
			created DATETIME NOT NULL,
			updated DATETIME NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (workflow_id_local, exchange_id)
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_expires ON exchanges(expires);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteExchangeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func marshalExchange(ex *exchange.Exchange) (string, error) {
	// Key storage constraint (§3, §6): string-encode the whole value when
	// any variables key contains '%', '$', or '.'.
	data, err := json.Marshal(ex)
	if err != nil {
		return "", fmt.Errorf("store: marshal exchange: %w", err)
	}
	if exchange.NeedsStringEncoding(ex.Variables) {
		encoded, err := json.Marshal(string(data))
		if err != nil {
			return "", fmt.Errorf("store: string-encode exchange: %w", err)
		}
		return string(encoded), nil
	}
	return string(data), nil
}

func unmarshalExchange(raw string) (*exchange.Exchange, error) {
	var ex exchange.Exchange
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return nil, fmt.Errorf("store: unwrap string-encoded exchange: %w", err)
		}
		raw = inner
	}
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return nil, fmt.Errorf("store: unmarshal exchange: %w", err)
	}
	return &ex, nil
}

// Insert implements exchange.Store.Insert (§4.1).
func (s *SQLiteExchangeStore) Insert(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ex.Sequence = 0
	ex.State = exchange.StatePending
	now := time.Now().UTC()

	data, err := marshalExchange(ex)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exchanges (workflow_id_local, exchange_id, sequence, state, expires, created, updated, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, workflowIDLocal, ex.ID, ex.Sequence, string(ex.State), ex.Expires, now, now, data)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, xerr.Newf(xerr.Duplicate, "exchange %q already exists", ex.ID)
		}
		return nil, fmt.Errorf("store: insert exchange: %w", err)
	}

	return &exchange.Record{
		WorkflowIDLocal: workflowIDLocal,
		Exchange:        *ex,
		Meta:            exchange.Meta{Created: now, Updated: now, Expires: ex.Expires},
	}, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

// Get implements exchange.Store.Get (§4.1).
func (s *SQLiteExchangeStore) Get(ctx context.Context, workflowIDLocal, id string, allowExpired bool) (*exchange.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.get(ctx, workflowIDLocal, id, allowExpired)
}

func (s *SQLiteExchangeStore) get(ctx context.Context, workflowIDLocal, id string, allowExpired bool) (*exchange.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, expires, created, updated, data FROM exchanges
		WHERE workflow_id_local = ? AND exchange_id = ?
	`, workflowIDLocal, id)

	var state string
	var expires, created, updated time.Time
	var data string
	if err := row.Scan(&state, &expires, &created, &updated, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
		}
		return nil, fmt.Errorf("store: get exchange: %w", err)
	}

	if state == string(exchange.StateInvalid) {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
	}
	if !allowExpired && time.Now().UTC().After(expires) {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
	}

	ex, err := unmarshalExchange(data)
	if err != nil {
		return nil, err
	}
	ex.ID = id
	return &exchange.Record{
		WorkflowIDLocal: workflowIDLocal,
		Exchange:        *ex,
		Meta:            exchange.Meta{Created: created, Updated: updated, Expires: expires},
	}, nil
}

// Update implements exchange.Store.Update: CAS on sequence and a
// pending/active state constraint (§4.1).
func (s *SQLiteExchangeStore) Update(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	return s.casWrite(ctx, workflowIDLocal, ex, []exchange.State{exchange.StatePending, exchange.StateActive}, false)
}

// Complete implements exchange.Store.Complete (§4.1).
func (s *SQLiteExchangeStore) Complete(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	return s.casWrite(ctx, workflowIDLocal, ex, []exchange.State{exchange.StatePending, exchange.StateActive}, true)
}

func (s *SQLiteExchangeStore) casWrite(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange, expectedStates []exchange.State, isComplete bool) (*exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	expectedPrevSeq := ex.Sequence - 1

	data, err := marshalExchange(ex)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(expectedStates))
	args := []interface{}{ex.Sequence, string(ex.State), ex.Expires, now, data, workflowIDLocal, ex.ID, expectedPrevSeq}
	for i, st := range expectedStates {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`
		UPDATE exchanges SET sequence = ?, state = ?, expires = ?, updated = ?, data = ?
		WHERE workflow_id_local = ? AND exchange_id = ? AND sequence = ? AND state IN (%s)
	`, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: update exchange: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: update exchange rows affected: %w", err)
	}
	if n == 0 {
		existing, getErr := s.get(ctx, workflowIDLocal, ex.ID, true)
		if xerr.Is(getErr, xerr.NotFound) {
			return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", ex.ID)
		}
		if getErr != nil {
			return nil, getErr
		}
		if isComplete && (existing.Exchange.State == exchange.StateComplete || existing.Exchange.State == exchange.StateInvalid) {
			go s.bestEffortInvalidate(context.Background(), existing)
			return nil, xerr.Newf(xerr.Duplicate, "exchange %q already completed", ex.ID)
		}
		return nil, xerr.Newf(xerr.InvalidState, "conflicting update to exchange %q", ex.ID)
	}

	return &exchange.Record{
		WorkflowIDLocal: workflowIDLocal,
		Exchange:        *ex,
		Meta:            exchange.Meta{Updated: now, Expires: ex.Expires},
	}, nil
}

func (s *SQLiteExchangeStore) bestEffortInvalidate(ctx context.Context, rec *exchange.Record) {
	_ = s.Invalidate(ctx, rec)
}

// SetLastError implements exchange.Store.SetLastError (§4.1): rate-limited
// after sequence > 5 to at most one write per second.
func (s *SQLiteExchangeStore) SetLastError(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange, cause error, lastUpdated time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if ex.Sequence > s.setLastErrorSeq {
		existing, err := s.get(ctx, workflowIDLocal, ex.ID, true)
		if err == nil && lastUpdated.Sub(existing.Meta.Updated) < s.setLastErrorGate {
			return nil
		}
	}

	sanitized := xerr.StripStackTrace(cause)
	lastErr := &exchange.LastError{Message: sanitized.Error(), At: time.Now().UTC(), Name: string(xerr.KindOf(sanitized))}
	if xe, ok := sanitized.(*xerr.Error); ok {
		lastErr.Details = xe.Details
	}
	ex.LastError = lastErr

	data, err := marshalExchange(ex)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE exchanges SET sequence = ?, data = ?, updated = ?
		WHERE workflow_id_local = ? AND exchange_id = ? AND sequence = ?
	`, ex.Sequence, data, time.Now().UTC(), workflowIDLocal, ex.ID, ex.Sequence-1)
	if err != nil {
		return fmt.Errorf("store: set last error: %w", err)
	}
	return nil
}

// Invalidate implements exchange.Store.Invalidate (§4.1): best-effort,
// never surfaces an error to the caller.
func (s *SQLiteExchangeStore) Invalidate(ctx context.Context, rec *exchange.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	newExpires := time.Now().UTC().Add(3 * 24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `
		UPDATE exchanges SET state = ?, expires = ?, updated = ?
		WHERE workflow_id_local = ? AND exchange_id = ?
	`, string(exchange.StateInvalid), newExpires, time.Now().UTC(), rec.WorkflowIDLocal, rec.Exchange.ID)
	return err
}

// EvictExpired deletes rows whose expires has passed, for use by the
// background TTL evictor (evictor.go).
func (s *SQLiteExchangeStore) EvictExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE expires <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: evict expired: %w", err)
	}
	return res.RowsAffected()
}
