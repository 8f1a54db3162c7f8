package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"hsaledger/internal/config"
	"hsaledger/internal/model"
	"hsaledger/internal/repository"
	"hsaledger/internal/service"
)

// Seeds a demo user with an account, an opening deposit and a virtual card.
// The eligibility catalog itself ships with the migrations; this only adds a
// demo item entry on top. Safe to re-run: conflicts are treated as
// already-seeded.
func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "seed",
	})

	cfg, err := config.New()
	if err != nil {
		logger.Fatal("config error", "error", err)
	}
	if cfg.Storage != "postgres" {
		logger.Fatal("seeding requires HSA_STORAGE=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	svc := service.NewLedger(store, nil, nil)

	itemCode := "OTC-THERMOMETER"
	if _, err := store.CreateCatalogEntry(ctx, &model.CatalogEntry{
		ItemCode: &itemCode,
		Label:    "Digital Thermometer",
	}); err != nil && !errors.Is(err, model.ErrConflict) {
		logger.Fatal("catalog seed failed", "error", err)
	}

	reg, err := svc.Register(ctx, model.RegisterRequest{
		Name:  "Morrell Nioble",
		Email: "morrell@example.com",
	})
	if errors.Is(err, model.ErrConflict) {
		logger.Info("demo user already seeded, nothing to do")
		return
	}
	if err != nil {
		logger.Fatal("user seed failed", "error", err)
	}

	note := "Opening deposit"
	dep, err := svc.Deposit(ctx, model.DepositRequest{
		AccountID:   reg.Account.ID,
		AmountCents: 50000,
		Note:        &note,
	})
	if err != nil {
		logger.Fatal("deposit seed failed", "error", err)
	}

	card, err := svc.IssueCard(ctx, reg.Account.ID)
	if err != nil {
		logger.Fatal("card seed failed", "error", err)
	}

	logger.Info("seeded demo data",
		"account", reg.Account.DisplayNumber,
		"balance_cents", dep.NewBalanceCents,
		"card_last4", card.Last4,
	)
}
