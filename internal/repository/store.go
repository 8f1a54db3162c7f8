package repository

import (
	"context"

	"hsaledger/internal/model"
)

// Tx is the set of row operations available inside (and outside) an atomic
// scope. Implementations map storage-level failures onto the model error
// taxonomy: missing rows become model.ErrNotFound, unique violations become
// model.ErrConflict.
type Tx interface {
	CreateUser(ctx context.Context, name, email string) (*model.User, error)
	CreateAccount(ctx context.Context, userID int64, displayNumber string) (*model.Account, error)
	Account(ctx context.Context, id int64) (*model.Account, error)
	// AccountForUpdate locks the account row for the rest of the atomic
	// scope so concurrent debits cannot interleave their read/write pair.
	AccountForUpdate(ctx context.Context, id int64) (*model.Account, error)
	AddBalance(ctx context.Context, accountID, deltaCents int64) (int64, error)

	Card(ctx context.Context, id int64) (*model.Card, error)
	CurrentCard(ctx context.Context, accountID int64) (*model.Card, error)
	CreateCard(ctx context.Context, card *model.Card) (*model.Card, error)

	CreateTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	RecentTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error)

	CategoryEligible(ctx context.Context, code string) (bool, error)
	ItemEligible(ctx context.Context, code string) (bool, error)
	Catalog(ctx context.Context) ([]model.CatalogEntry, error)
	CreateCatalogEntry(ctx context.Context, entry *model.CatalogEntry) (*model.CatalogEntry, error)
}

// Store is the durable ledger store. Methods promoted from Tx run in
// auto-commit mode; WithTx opens one atomic scope, commits when fn returns
// nil and rolls back — leaving no partial writes — when it returns an error.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
