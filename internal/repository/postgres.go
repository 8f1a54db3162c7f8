package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hsaledger/internal/model"
)

// uniqueViolation is the Postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query set
// serves auto-commit calls and calls inside an atomic scope.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the durable Store implementation on a pgx connection pool.
type Postgres struct {
	queries
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn inside a single database transaction. pgx.BeginFunc commits
// on a nil return and rolls back on error or panic, so no partial writes are
// ever visible to other readers.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(queries{db: tx})
	})
}

type queries struct {
	db dbtx
}

func (q queries) CreateUser(ctx context.Context, name, email string) (*model.User, error) {
	u := &model.User{Name: name, Email: email}
	err := q.db.QueryRow(ctx,
		`INSERT INTO users (name, email) VALUES ($1, $2) RETURNING id, created_at`,
		name, email,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, mapError(err, "user")
	}
	return u, nil
}

func (q queries) CreateAccount(ctx context.Context, userID int64, displayNumber string) (*model.Account, error) {
	a := &model.Account{UserID: userID, DisplayNumber: displayNumber}
	err := q.db.QueryRow(ctx,
		`INSERT INTO accounts (user_id, balance_cents, display_number)
		 VALUES ($1, 0, $2) RETURNING id, balance_cents, created_at`,
		userID, displayNumber,
	).Scan(&a.ID, &a.BalanceCents, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err, "account")
	}
	return a, nil
}

const accountColumns = `id, user_id, balance_cents, display_number, created_at`

func (q queries) Account(ctx context.Context, id int64) (*model.Account, error) {
	return q.scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (q queries) AccountForUpdate(ctx context.Context, id int64) (*model.Account, error) {
	return q.scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (q queries) scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.UserID, &a.BalanceCents, &a.DisplayNumber, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err, "account")
	}
	return &a, nil
}

func (q queries) AddBalance(ctx context.Context, accountID, deltaCents int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id = $2
		 RETURNING balance_cents`,
		deltaCents, accountID,
	).Scan(&balance)
	if err != nil {
		return 0, mapError(err, "account")
	}
	return balance, nil
}

const cardColumns = `id, account_id, card_token, last4, expiry_month, expiry_year, status, created_at`

func (q queries) Card(ctx context.Context, id int64) (*model.Card, error) {
	return q.scanCard(q.db.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
}

// CurrentCard returns the newest card on the account. "Current" is a derived
// view (order by creation time, take one), not a stored pointer.
func (q queries) CurrentCard(ctx context.Context, accountID int64) (*model.Card, error) {
	return q.scanCard(q.db.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, accountID))
}

func (q queries) scanCard(row pgx.Row) (*model.Card, error) {
	var c model.Card
	err := row.Scan(&c.ID, &c.AccountID, &c.Token, &c.Last4,
		&c.ExpiryMonth, &c.ExpiryYear, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err, "card")
	}
	return &c, nil
}

func (q queries) CreateCard(ctx context.Context, card *model.Card) (*model.Card, error) {
	out := *card
	err := q.db.QueryRow(ctx,
		`INSERT INTO cards (account_id, card_token, last4, expiry_month, expiry_year, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		card.AccountID, card.Token, card.Last4, card.ExpiryMonth, card.ExpiryYear, card.Status,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, mapError(err, "card")
	}
	return &out, nil
}

const transactionColumns = `id, account_id, card_id, type, amount_cents, status,
	eligible, decline_reason, merchant, category_code, item_code, note, created_at`

func (q queries) CreateTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	out := *txn
	err := q.db.QueryRow(ctx,
		`INSERT INTO transactions
		   (account_id, card_id, type, amount_cents, status, eligible,
		    decline_reason, merchant, category_code, item_code, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		txn.AccountID, txn.CardID, txn.Type, txn.AmountCents, txn.Status, txn.Eligible,
		txn.DeclineReason, txn.Merchant, txn.CategoryCode, txn.ItemCode, txn.Note,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, mapError(err, "transaction")
	}
	return &out, nil
}

func (q queries) RecentTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, mapError(err, "transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.CardID, &t.Type, &t.AmountCents,
			&t.Status, &t.Eligible, &t.DeclineReason, &t.Merchant,
			&t.CategoryCode, &t.ItemCode, &t.Note, &t.CreatedAt); err != nil {
			return nil, mapError(err, "transactions")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q queries) CategoryEligible(ctx context.Context, code string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM eligibility_catalog WHERE category_code = $1)`, code,
	).Scan(&ok)
	if err != nil {
		return false, mapError(err, "catalog")
	}
	return ok, nil
}

func (q queries) ItemEligible(ctx context.Context, code string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM eligibility_catalog WHERE item_code = $1)`, code,
	).Scan(&ok)
	if err != nil {
		return false, mapError(err, "catalog")
	}
	return ok, nil
}

func (q queries) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, category_code, item_code, label FROM eligibility_catalog ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "catalog")
	}
	defer rows.Close()

	var out []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.ID, &e.CategoryCode, &e.ItemCode, &e.Label); err != nil {
			return nil, mapError(err, "catalog")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queries) CreateCatalogEntry(ctx context.Context, entry *model.CatalogEntry) (*model.CatalogEntry, error) {
	out := *entry
	err := q.db.QueryRow(ctx,
		`INSERT INTO eligibility_catalog (category_code, item_code, label)
		 VALUES ($1, $2, $3) RETURNING id`,
		entry.CategoryCode, entry.ItemCode, entry.Label,
	).Scan(&out.ID)
	if err != nil {
		return nil, mapError(err, "catalog entry")
	}
	return &out, nil
}

// mapError converts pgx-level failures to the model taxonomy.
func mapError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s (%s)", model.ErrConflict, what, pgErr.ConstraintName)
	}
	return err
}
