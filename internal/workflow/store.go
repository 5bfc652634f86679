package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// Store is the workflow-configuration side of the engine: CRUD for the
// workflow templates that exchanges are created against. The spec treats
// workflow CRUD as external to the core state machine (§6), but a running
// service still needs somewhere durable to keep them.
type Store interface {
	Get(ctx context.Context, id string) (*exchange.Workflow, error)
	Put(ctx context.Context, w *exchange.Workflow) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store, the default for local development and
// tests.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*exchange.Workflow
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*exchange.Workflow)}
}

// Get returns a deep copy of the stored workflow so callers cannot mutate
// the store's copy through the returned pointer.
func (s *MemoryStore) Get(ctx context.Context, id string) (*exchange.Workflow, error) {
	s.mu.RLock()
	w, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, xerr.Newf(xerr.NotFound, "workflow %q not found", id)
	}
	return cloneWorkflow(w)
}

// Put stores (or replaces) a workflow. Callers are expected to have already
// run Validate with the server's baseURI/routePrefix, since only the HTTP
// layer knows those.
func (s *MemoryStore) Put(ctx context.Context, w *exchange.Workflow) error {
	clone, err := cloneWorkflow(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workflows[w.ID] = clone
	s.mu.Unlock()
	return nil
}

// Delete removes a workflow by id; deleting an unknown id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.workflows, id)
	s.mu.Unlock()
	return nil
}

func cloneWorkflow(w *exchange.Workflow) (*exchange.Workflow, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, xerr.Wrap(xerr.DataError, "marshal workflow", err)
	}
	var out exchange.Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerr.Wrap(xerr.DataError, "unmarshal workflow", err)
	}
	return &out, nil
}
