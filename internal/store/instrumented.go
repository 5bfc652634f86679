package store

import (
	"context"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/metrics"
)

// InstrumentedStore decorates an exchange.Store with the §12 transition
// counters, keeping the underlying store free of metrics concerns.
type InstrumentedStore struct {
	exchange.Store
	Adapter string
}

// NewInstrumentedStore wraps inner, labeling every recorded transition
// with adapter (e.g. "vcapi", "oid4vci", "oid4vp", "invite").
func NewInstrumentedStore(inner exchange.Store, adapter string) *InstrumentedStore {
	return &InstrumentedStore{Store: inner, Adapter: adapter}
}

func (s *InstrumentedStore) Update(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	rec, err := s.Store.Update(ctx, workflowIDLocal, ex)
	if err == nil {
		metrics.ExchangeTransitions.WithLabelValues(string(ex.State), s.Adapter).Inc()
	}
	return rec, err
}

func (s *InstrumentedStore) Complete(ctx context.Context, workflowIDLocal string, ex *exchange.Exchange) (*exchange.Record, error) {
	rec, err := s.Store.Complete(ctx, workflowIDLocal, ex)
	if err == nil {
		metrics.ExchangeTransitions.WithLabelValues(string(exchange.StateComplete), s.Adapter).Inc()
	}
	return rec, err
}

func (s *InstrumentedStore) Invalidate(ctx context.Context, record *exchange.Record) error {
	err := s.Store.Invalidate(ctx, record)
	if err == nil {
		metrics.ExchangeTransitions.WithLabelValues("invalid", s.Adapter).Inc()
	}
	return err
}
