package store

import (
	"context"
	"sync"
	"time"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// entry is one in-memory row, keyed by (workflowIDLocal, exchangeID).
type entry struct {
	workflowIDLocal string
	exchange        exchange.Exchange
	meta            exchange.Meta
}

// MemoryExchangeStore is an in-process exchange.Store, grounded on the
// teacher's internal/consensus/memory_store.go in-memory/CAS pattern:
// a mutex-guarded map plus clone-on-read so callers never observe or
// corrupt store-held state directly.
type MemoryExchangeStore struct {
	mu      sync.Mutex
	records map[string]*entry

	setLastErrorGate time.Duration
	setLastErrorSeq  uint64
}

// NewMemoryExchangeStore constructs an empty in-memory store.
func NewMemoryExchangeStore() *MemoryExchangeStore {
	return &MemoryExchangeStore{
		records:          make(map[string]*entry),
		setLastErrorGate: time.Second,
		setLastErrorSeq:  5,
	}
}

func key(workflowIDLocal, id string) string { return workflowIDLocal + "\x00" + id }

func (s *MemoryExchangeStore) toRecord(e *entry) (*exchange.Record, error) {
	rec := &exchange.Record{WorkflowIDLocal: e.workflowIDLocal, Exchange: e.exchange, Meta: e.meta}
	return rec.Clone()
}

// Insert implements exchange.Store.Insert.
func (s *MemoryExchangeStore) Insert(_ context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(workflowIDLocal, ex.ID)
	if _, exists := s.records[k]; exists {
		return nil, xerr.Newf(xerr.Duplicate, "exchange %q already exists", ex.ID)
	}

	ex.Sequence = 0
	ex.State = exchange.StatePending
	now := time.Now().UTC()
	e := &entry{
		workflowIDLocal: workflowIDLocal,
		exchange:        *ex,
		meta:            exchange.Meta{Created: now, Updated: now, Expires: ex.Expires},
	}
	s.records[k] = e
	return s.toRecord(e)
}

// Get implements exchange.Store.Get.
func (s *MemoryExchangeStore) Get(_ context.Context, workflowIDLocal, id string, allowExpired bool) (*exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(workflowIDLocal, id, allowExpired)
}

func (s *MemoryExchangeStore) get(workflowIDLocal, id string, allowExpired bool) (*exchange.Record, error) {
	e, ok := s.records[key(workflowIDLocal, id)]
	if !ok {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
	}
	if e.exchange.State == exchange.StateInvalid {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
	}
	if !allowExpired && time.Now().UTC().After(e.meta.Expires) {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", id)
	}
	return s.toRecord(e)
}

// Update implements exchange.Store.Update.
func (s *MemoryExchangeStore) Update(_ context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	return s.casWrite(workflowIDLocal, ex, false)
}

// Complete implements exchange.Store.Complete.
func (s *MemoryExchangeStore) Complete(_ context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	return s.casWrite(workflowIDLocal, ex, true)
}

func (s *MemoryExchangeStore) casWrite(workflowIDLocal string, ex *exchange.Exchange, isComplete bool) (*exchange.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(workflowIDLocal, ex.ID)
	e, ok := s.records[k]
	if !ok {
		return nil, xerr.Newf(xerr.NotFound, "exchange %q not found", ex.ID)
	}

	expectedPrevSeq := ex.Sequence - 1
	canWrite := e.exchange.Sequence == expectedPrevSeq &&
		(e.exchange.State == exchange.StatePending || e.exchange.State == exchange.StateActive)

	if !canWrite {
		if isComplete && (e.exchange.State == exchange.StateComplete || e.exchange.State == exchange.StateInvalid) {
			go s.bestEffortInvalidate(workflowIDLocal, ex.ID)
			return nil, xerr.Newf(xerr.Duplicate, "exchange %q already completed", ex.ID)
		}
		return nil, xerr.Newf(xerr.InvalidState, "conflicting update to exchange %q", ex.ID)
	}

	now := time.Now().UTC()
	e.exchange = *ex
	e.meta.Updated = now
	e.meta.Expires = ex.Expires
	return s.toRecord(e)
}

func (s *MemoryExchangeStore) bestEffortInvalidate(workflowIDLocal, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key(workflowIDLocal, id)]
	if !ok {
		return
	}
	e.exchange.State = exchange.StateInvalid
	e.meta.Expires = time.Now().UTC().Add(3 * 24 * time.Hour)
}

// SetLastError implements exchange.Store.SetLastError.
func (s *MemoryExchangeStore) SetLastError(_ context.Context, workflowIDLocal string, ex *exchange.Exchange, cause error, lastUpdated time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key(workflowIDLocal, ex.ID)]
	if !ok {
		return nil
	}
	if ex.Sequence > s.setLastErrorSeq && lastUpdated.Sub(e.meta.Updated) < s.setLastErrorGate {
		return nil
	}

	expectedPrevSeq := ex.Sequence - 1
	if e.exchange.Sequence != expectedPrevSeq {
		return xerr.Newf(xerr.InvalidState, "conflicting lastError update to exchange %q", ex.ID)
	}

	sanitized := xerr.StripStackTrace(cause)
	lastErr := &exchange.LastError{Message: sanitized.Error(), At: time.Now().UTC(), Name: string(xerr.KindOf(sanitized))}
	if xe, ok := sanitized.(*xerr.Error); ok {
		lastErr.Details = xe.Details
	}
	e.exchange.LastError = lastErr
	e.exchange.Sequence = expectedPrevSeq + 1
	e.meta.Updated = time.Now().UTC()
	return nil
}

// Invalidate implements exchange.Store.Invalidate: best-effort, logs
// nothing here (callers log); never returns a surfaced error.
func (s *MemoryExchangeStore) Invalidate(_ context.Context, rec *exchange.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[key(rec.WorkflowIDLocal, rec.Exchange.ID)]
	if !ok {
		return nil
	}
	e.exchange.State = exchange.StateInvalid
	e.meta.Expires = time.Now().UTC().Add(3 * 24 * time.Hour)
	return nil
}

// EvictExpired deletes entries whose expiry has passed, mirroring
// SQLiteExchangeStore.EvictExpired for the background evictor.
func (s *MemoryExchangeStore) EvictExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.records {
		if now.After(e.meta.Expires) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
