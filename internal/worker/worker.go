package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"hsaledger/internal/model"
	"hsaledger/internal/repository"
)

// CacheWorker listens on the ledger event topic and refreshes the Redis
// balance cache with the post-commit balance carried by each event. The
// database is authoritative; this keeps balance reads off it.
type CacheWorker struct {
	cache    *repository.BalanceCache
	natsConn *nats.Conn
}

func NewCacheWorker(cache *repository.BalanceCache, nc *nats.Conn) *CacheWorker {
	return &CacheWorker{
		cache:    cache,
		natsConn: nc,
	}
}

// Run subscribes to the event topic and blocks until ctx is cancelled.
func (w *CacheWorker) Run(ctx context.Context) error {
	// QueueSubscribe: with several API replicas each event is handled by
	// one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicTransactions, "cache_group", func(m *nats.Msg) {
		var event model.TransactionEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			slog.Error("worker: failed to unmarshal ledger event", "error", err)
			return
		}

		if err := w.cache.Set(ctx, event.AccountID, event.BalanceCents); err != nil {
			slog.Error("worker: failed to refresh balance cache",
				"account_id", event.AccountID,
				"transaction_id", event.TransactionID,
				"error", err,
			)
			return
		}

		slog.Info("worker: balance cache refreshed",
			"account_id", event.AccountID,
			"balance_cents", event.BalanceCents,
		)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Balance cache worker is running")

	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *CacheWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *CacheWorker) Stop(ctx context.Context) error {
	return nil
}
