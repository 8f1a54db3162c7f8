package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/mail"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"hsaledger/internal/model"
	"hsaledger/internal/repository"
)

// LedgerService defines the business operations of the HSA ledger. All
// transport layers (HTTP, NATS) depend on this interface, not on the
// concrete implementation.
type LedgerService interface {
	Register(ctx context.Context, req model.RegisterRequest) (*model.Registration, error)
	Deposit(ctx context.Context, req model.DepositRequest) (*model.DepositResult, error)
	Purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error)
	IssueCard(ctx context.Context, accountID int64) (*model.Card, error)
	AccountOverview(ctx context.Context, accountID int64) (*model.AccountOverview, error)
	Balance(ctx context.Context, accountID int64) (int64, error)
	Catalog(ctx context.Context) ([]model.CatalogEntry, error)
}

const (
	// recentTransactionsLimit bounds the account overview page.
	recentTransactionsLimit = 25

	// cardTokenAttempts bounds token regeneration on unique-constraint
	// collisions. Collisions are probabilistically negligible but must
	// terminate.
	cardTokenAttempts = 3

	cardExpiryYears = 3

	tokenPrefix   = "card_"
	tokenLength   = 12
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Ledger implements LedgerService over a Store. Cache and bus are optional;
// a nil cache disables the Redis read path and a nil bus disables event
// publishing.
type Ledger struct {
	store repository.Store
	cache *repository.BalanceCache
	bus   repository.MessageBus

	// newToken is injectable so tests can force collisions.
	newToken func() string
}

func NewLedger(store repository.Store, cache *repository.BalanceCache, bus repository.MessageBus) *Ledger {
	return &Ledger{
		store:    store,
		cache:    cache,
		bus:      bus,
		newToken: newCardToken,
	}
}

// Register atomically creates a user and its single zero-balance account.
// The display number derives from the new user id.
func (l *Ledger) Register(ctx context.Context, req model.RegisterRequest) (*model.Registration, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)
	if name == "" || email == "" {
		return nil, fmt.Errorf("%w: name and email are required", model.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: malformed email %q", model.ErrInvalidInput, email)
	}

	var reg model.Registration
	err := l.store.WithTx(ctx, func(tx repository.Tx) error {
		user, err := tx.CreateUser(ctx, name, email)
		if err != nil {
			return err
		}
		account, err := tx.CreateAccount(ctx, user.ID, fmt.Sprintf("HSA-%04d", user.ID))
		if err != nil {
			return err
		}
		reg = model.Registration{User: user, Account: account}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// Deposit credits the account and records a SETTLED transaction in one
// atomic scope. Eligible stays nil: eligibility has no meaning for deposits.
func (l *Ledger) Deposit(ctx context.Context, req model.DepositRequest) (*model.DepositResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount_cents must be a positive integer", model.ErrInvalidInput)
	}

	var res model.DepositResult
	err := l.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.AccountForUpdate(ctx, req.AccountID); err != nil {
			return err
		}
		txn, err := tx.CreateTransaction(ctx, &model.Transaction{
			AccountID:   req.AccountID,
			Type:        model.TransactionDeposit,
			AmountCents: req.AmountCents,
			Status:      model.StatusSettled,
			Note:        req.Note,
		})
		if err != nil {
			return err
		}
		balance, err := tx.AddBalance(ctx, req.AccountID, req.AmountCents)
		if err != nil {
			return err
		}
		res = model.DepositResult{Transaction: txn, NewBalanceCents: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.publish(res.Transaction, res.NewBalanceCents)
	return &res, nil
}

// Purchase authorizes a card purchase. The decision and its bookkeeping are
// one atomic scope: the transaction row is always written, declines included,
// and the balance moves only on approval. Declines are successful outcomes,
// not errors.
func (l *Ledger) Purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount_cents must be a positive integer", model.ErrInvalidInput)
	}
	categoryCode := trimmed(req.CategoryCode)
	itemCode := trimmed(req.ItemCode)
	if categoryCode == nil && itemCode == nil {
		return nil, fmt.Errorf("%w: provide category_code or item_code for eligibility validation", model.ErrInvalidInput)
	}

	var res model.PurchaseResult
	err := l.store.WithTx(ctx, func(tx repository.Tx) error {
		card, err := tx.Card(ctx, req.CardID)
		if err != nil {
			return err
		}
		if card.Status != model.CardActive {
			return fmt.Errorf("%w: card %d is not ACTIVE", model.ErrInvalidState, card.ID)
		}
		account, err := tx.AccountForUpdate(ctx, card.AccountID)
		if err != nil {
			return err
		}

		// Category is checked before item; the first match wins.
		eligible := false
		if categoryCode != nil {
			eligible, err = tx.CategoryEligible(ctx, *categoryCode)
			if err != nil {
				return err
			}
		}
		if !eligible && itemCode != nil {
			eligible, err = tx.ItemEligible(ctx, *itemCode)
			if err != nil {
				return err
			}
		}

		status := model.StatusApproved
		var reason *model.DeclineReason
		switch {
		case !eligible:
			status = model.StatusDeclined
			reason = declineReason(model.DeclineIneligibleExpense)
		case account.BalanceCents < req.AmountCents:
			status = model.StatusDeclined
			reason = declineReason(model.DeclineInsufficientFunds)
		}

		txn, err := tx.CreateTransaction(ctx, &model.Transaction{
			AccountID:     card.AccountID,
			CardID:        &card.ID,
			Type:          model.TransactionPurchase,
			AmountCents:   req.AmountCents,
			Status:        status,
			Eligible:      &eligible,
			DeclineReason: reason,
			Merchant:      trimmed(req.Merchant),
			CategoryCode:  categoryCode,
			ItemCode:      itemCode,
			Note:          req.Note,
		})
		if err != nil {
			return err
		}

		balance := account.BalanceCents
		if status == model.StatusApproved {
			balance, err = tx.AddBalance(ctx, card.AccountID, -req.AmountCents)
			if err != nil {
				return err
			}
		}
		res = model.PurchaseResult{Transaction: txn, NewBalanceCents: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.publish(res.Transaction, res.NewBalanceCents)
	return &res, nil
}

// IssueCard creates an ACTIVE card on the account. Token collisions retry
// with a fresh token up to cardTokenAttempts times; exhaustion surfaces as
// ErrExhausted with no card row persisted.
func (l *Ledger) IssueCard(ctx context.Context, accountID int64) (*model.Card, error) {
	now := time.Now()
	var card *model.Card

	backoff := retry.WithMaxRetries(cardTokenAttempts-1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return l.store.WithTx(ctx, func(tx repository.Tx) error {
			if _, err := tx.Account(ctx, accountID); err != nil {
				return err
			}
			created, err := tx.CreateCard(ctx, &model.Card{
				AccountID:   accountID,
				Token:       l.newToken(),
				Last4:       newLast4(),
				ExpiryMonth: int(now.Month()),
				ExpiryYear:  now.Year() + cardExpiryYears,
				Status:      model.CardActive,
			})
			if err != nil {
				if errors.Is(err, model.ErrConflict) {
					return retry.RetryableError(err)
				}
				return err
			}
			card = created
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("%w: card token generation after %d attempts", model.ErrExhausted, cardTokenAttempts)
		}
		return nil, err
	}
	return card, nil
}

// AccountOverview returns the account snapshot, the current card (nil when
// none has been issued) and the most recent transactions, newest first.
func (l *Ledger) AccountOverview(ctx context.Context, accountID int64) (*model.AccountOverview, error) {
	account, err := l.store.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	card, err := l.store.CurrentCard(ctx, accountID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	txns, err := l.store.RecentTransactions(ctx, accountID, recentTransactionsLimit)
	if err != nil {
		return nil, err
	}
	return &model.AccountOverview{Account: account, Card: card, Transactions: txns}, nil
}

// Balance reads through the cache when one is configured; the store stays
// authoritative and primes the cache on a miss.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	if l.cache != nil {
		balance, err := l.cache.Get(ctx, accountID)
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			slog.Warn("balance cache read failed, falling back to store", "account_id", accountID, "error", err)
		}
	}
	account, err := l.store.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, accountID, account.BalanceCents); err != nil {
			slog.Warn("balance cache prime failed", "account_id", accountID, "error", err)
		}
	}
	return account.BalanceCents, nil
}

func (l *Ledger) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	return l.store.Catalog(ctx)
}

// publish emits a TransactionEvent after a committed scope. Publishing is
// best-effort: the ledger write already succeeded.
func (l *Ledger) publish(txn *model.Transaction, balanceCents int64) {
	if l.bus == nil {
		return
	}
	data, err := json.Marshal(model.TransactionEvent{
		TransactionID: txn.ID,
		AccountID:     txn.AccountID,
		Type:          txn.Type,
		Status:        txn.Status,
		AmountCents:   txn.AmountCents,
		BalanceCents:  balanceCents,
		CreatedAt:     txn.CreatedAt,
	})
	if err != nil {
		slog.Error("marshal transaction event", "error", err)
		return
	}
	if err := l.bus.Publish(repository.TopicTransactions, data); err != nil {
		slog.Error("publish transaction event", "transaction_id", txn.ID, "error", err)
	}
}

func newCardToken() string {
	buf := make([]byte, tokenLength)
	for i := range buf {
		buf[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return tokenPrefix + string(buf)
}

func newLast4() string {
	return fmt.Sprintf("%d", 1000+rand.IntN(9000))
}

func declineReason(r model.DeclineReason) *model.DeclineReason {
	return &r
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
