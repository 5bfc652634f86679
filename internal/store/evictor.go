package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trustfabric/exchange-engine/internal/obslog"
)

// Evictable is implemented by both store backends: it deletes rows whose
// TTL (meta.expires) has passed. The expires index is declarative in SQL
// (§4.1, §6) but nothing actually deletes expired rows without this.
type Evictable interface {
	EvictExpired(ctx context.Context, now time.Time) (int64, error)
}

// Evictor periodically calls EvictExpired on a ticker, grounded on the
// teacher's rocksdb-adjacent lifecycle methods (Close/Stats) in spirit:
// a small goroutine owning the backing store's compaction-like upkeep.
type Evictor struct {
	store    Evictable
	interval time.Duration
	log      *obslog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvictor constructs an Evictor; it does not start until Start is called.
func NewEvictor(store Evictable, interval time.Duration, log *obslog.Logger) *Evictor {
	if log == nil {
		log = obslog.New("exchange-store-evictor")
	}
	return &Evictor{store: store, interval: interval, log: log, done: make(chan struct{})}
}

// Start launches the eviction loop in a background goroutine.
func (e *Evictor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(ctx)
}

// Stop cancels the eviction loop and waits for it to exit.
func (e *Evictor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

func (e *Evictor) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.EvictExpired(ctx, time.Now().UTC())
			if err != nil {
				e.log.Warn("eviction pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.log.Debug("evicted expired exchanges", zap.Int64("count", n))
			}
		}
	}
}
