package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"hsaledger/internal/model"
	"hsaledger/internal/service"
)

// Handler subscribes to NATS command topics and delegates to the ledger
// service. Commands are fire-and-forget: outcomes land in the ledger and on
// the event topic, failures are logged.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe("commands.deposit", "ledger_group", func(m *nats.Msg) {
		var req model.DepositRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: failed to unmarshal deposit command", "error", err)
			return
		}
		if _, err := h.svc.Deposit(ctx, req); err != nil {
			slog.Error("nats: deposit failed", "error", err, "account_id", req.AccountID)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe("commands.purchase", "ledger_group", func(m *nats.Msg) {
		var req model.PurchaseRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			slog.Error("nats: failed to unmarshal purchase command", "error", err)
			return
		}
		res, err := h.svc.Purchase(ctx, req)
		if err != nil {
			slog.Error("nats: purchase failed", "error", err, "card_id", req.CardID)
			return
		}
		slog.Info("nats: purchase processed",
			"card_id", req.CardID,
			"status", res.Transaction.Status,
		)
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
