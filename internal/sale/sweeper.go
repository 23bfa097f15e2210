package sale

import (
	"context"
	"log/slog"
	"time"

	"github.com/neirospace/token-engine/internal/metrics"
	"github.com/neirospace/token-engine/internal/store"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 10 * time.Second

// Sweeper periodically checks every awaiting order against the chain.
// It shares TryConfirm with the client-triggered endpoint; the store-level
// idempotency guards make the two paths safe to race.
type Sweeper struct {
	svc      *Service
	store    store.Store
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(svc *Service, st store.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{svc: svc, store: st, interval: interval}
}

// Run sweeps on a fixed ticker until ctx is cancelled. Must be called in a
// goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("confirmation sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("confirmation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all awaiting orders. A failed check for one
// order is logged and skipped — it stays awaiting and is retried on the
// next tick — rather than aborting the whole sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	orders, err := s.store.ListAwaitingOrders(ctx)
	if err != nil {
		metrics.SweepErrors.Inc()
		slog.Error("sweep: failed to list awaiting orders", "err", err)
		return
	}

	confirmed := 0
	for _, order := range orders {
		res, err := s.svc.TryConfirm(ctx, order.OrderID)
		if err != nil {
			metrics.SweepErrors.Inc()
			slog.Warn("sweep: confirmation check failed, will retry next tick",
				"order_id", order.OrderID, "err", err)
			continue
		}
		if res.Resolved && !res.AlreadyResolved {
			confirmed++
		}
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if confirmed > 0 {
		slog.Info("sweep finished", "checked", len(orders), "confirmed", confirmed)
	}
}
