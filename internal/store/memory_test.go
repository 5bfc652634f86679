package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustfabric/exchange-engine/internal/exchange"
	"github.com/trustfabric/exchange-engine/internal/xerr"
)

func TestMemoryExchangeStoreInsertAndGet(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()

	ex := &exchange.Exchange{ID: "abc123", Expires: time.Now().Add(time.Hour)}
	rec, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatePending, rec.Exchange.State)
	assert.Equal(t, uint64(0), rec.Exchange.Sequence)

	got, err := s.Get(ctx, "wf1", "abc123", false)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Exchange.ID)
}

func TestMemoryExchangeStoreInsertDuplicateRejected(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	ex := &exchange.Exchange{ID: "dup", Expires: time.Now().Add(time.Hour)}

	_, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)

	_, err = s.Insert(ctx, "wf1", &exchange.Exchange{ID: "dup", Expires: time.Now().Add(time.Hour)})
	assert.True(t, xerr.Is(err, xerr.Duplicate))
}

func TestMemoryExchangeStoreGetNotFound(t *testing.T) {
	s := NewMemoryExchangeStore()
	_, err := s.Get(context.Background(), "wf1", "missing", false)
	assert.True(t, xerr.Is(err, xerr.NotFound))
}

func TestMemoryExchangeStoreGetExpiredHiddenUnlessAllowed(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	ex := &exchange.Exchange{ID: "exp1", Expires: time.Now().Add(-time.Minute)}
	_, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)

	_, err = s.Get(ctx, "wf1", "exp1", false)
	assert.True(t, xerr.Is(err, xerr.NotFound))

	got, err := s.Get(ctx, "wf1", "exp1", true)
	require.NoError(t, err)
	assert.Equal(t, "exp1", got.Exchange.ID)
}

func TestMemoryExchangeStoreUpdateRequiresNextSequence(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	ex := &exchange.Exchange{ID: "seq1", Expires: time.Now().Add(time.Hour)}
	_, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)

	update := &exchange.Exchange{ID: "seq1", Sequence: 1, State: exchange.StateActive, Expires: time.Now().Add(time.Hour)}
	rec, err := s.Update(ctx, "wf1", update)
	require.NoError(t, err)
	assert.Equal(t, exchange.StateActive, rec.Exchange.State)

	// Replaying the same sequence is a conflict, not a silent success.
	_, err = s.Update(ctx, "wf1", update)
	assert.True(t, xerr.Is(err, xerr.InvalidState))
}

func TestMemoryExchangeStoreCompleteReplayIsDuplicate(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	ex := &exchange.Exchange{ID: "cmp1", Expires: time.Now().Add(time.Hour)}
	_, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)

	complete := &exchange.Exchange{ID: "cmp1", Sequence: 1, State: exchange.StateComplete, Expires: time.Now().Add(time.Hour)}
	_, err = s.Complete(ctx, "wf1", complete)
	require.NoError(t, err)

	_, err = s.Complete(ctx, "wf1", complete)
	assert.True(t, xerr.Is(err, xerr.Duplicate))
}

func TestMemoryExchangeStoreSetLastErrorRequiresNextSequence(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	ex := &exchange.Exchange{ID: "err1", Expires: time.Now().Add(time.Hour)}
	_, err := s.Insert(ctx, "wf1", ex)
	require.NoError(t, err)

	withNext := &exchange.Exchange{ID: "err1", Sequence: 1}
	require.NoError(t, s.SetLastError(ctx, "wf1", withNext, xerr.New(xerr.DataError, "boom"), time.Now()))

	got, err := s.Get(ctx, "wf1", "err1", false)
	require.NoError(t, err)
	require.NotNil(t, got.Exchange.LastError)
	assert.Equal(t, "boom", got.Exchange.LastError.Message)
	assert.Equal(t, uint64(1), got.Exchange.Sequence)

	// Replaying the same stale sequence is a conflict, not a silent overwrite.
	err = s.SetLastError(ctx, "wf1", withNext, xerr.New(xerr.DataError, "boom again"), time.Now())
	assert.True(t, xerr.Is(err, xerr.InvalidState))
}

func TestMemoryExchangeStoreEvictExpired(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, "wf1", &exchange.Exchange{ID: "stale", Expires: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "wf1", &exchange.Exchange{ID: "fresh", Expires: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	n, err := s.EvictExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "wf1", "stale", true)
	assert.True(t, xerr.Is(err, xerr.NotFound))

	_, err = s.Get(ctx, "wf1", "fresh", false)
	assert.NoError(t, err)
}

func TestMemoryExchangeStoreInvalidateHidesRecord(t *testing.T) {
	s := NewMemoryExchangeStore()
	ctx := context.Background()
	_, err := s.Insert(ctx, "wf1", &exchange.Exchange{ID: "inv1", Expires: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "wf1", "inv1", false)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, rec))

	_, err = s.Get(ctx, "wf1", "inv1", true)
	assert.True(t, xerr.Is(err, xerr.NotFound))
}
