package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"hsaledger/internal/model"
	"hsaledger/internal/repository"
)

func newTestLedger(t *testing.T) (*Ledger, repository.Store, *model.Account) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemory()

	for _, category := range []string{"PHARMACY", "DOCTOR"} {
		c := category
		if _, err := store.CreateCatalogEntry(ctx, &model.CatalogEntry{CategoryCode: &c, Label: c}); err != nil {
			t.Fatal(err)
		}
	}
	item := "OTC-IBU200"
	if _, err := store.CreateCatalogEntry(ctx, &model.CatalogEntry{ItemCode: &item, Label: "Ibuprofen 200mg"}); err != nil {
		t.Fatal(err)
	}

	l := NewLedger(store, nil, nil)
	reg, err := l.Register(ctx, model.RegisterRequest{Name: "Morrell Nioble", Email: "morrell@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	return l, store, reg.Account
}

func deposit(t *testing.T, l *Ledger, accountID, amount int64) *model.DepositResult {
	t.Helper()
	res, err := l.Deposit(context.Background(), model.DepositRequest{AccountID: accountID, AmountCents: amount})
	if err != nil {
		t.Fatalf("Deposit(%d) err=%v", amount, err)
	}
	return res
}

func issueCard(t *testing.T, l *Ledger, accountID int64) *model.Card {
	t.Helper()
	card, err := l.IssueCard(context.Background(), accountID)
	if err != nil {
		t.Fatalf("IssueCard err=%v", err)
	}
	return card
}

func balance(t *testing.T, store repository.Store, accountID int64) int64 {
	t.Helper()
	a, err := store.Account(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Account(%d) err=%v", accountID, err)
	}
	return a.BalanceCents
}

// ledgerSum recomputes the balance from the audit trail: settled deposits
// minus approved purchases.
func ledgerSum(t *testing.T, store repository.Store, accountID int64) int64 {
	t.Helper()
	txns, err := store.RecentTransactions(context.Background(), accountID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for _, txn := range txns {
		switch {
		case txn.Type == model.TransactionDeposit && txn.Status == model.StatusSettled:
			sum += txn.AmountCents
		case txn.Type == model.TransactionPurchase && txn.Status == model.StatusApproved:
			sum -= txn.AmountCents
		}
	}
	return sum
}

func checkInvariant(t *testing.T, store repository.Store, accountID int64) {
	t.Helper()
	if got, want := balance(t, store, accountID), ledgerSum(t, store, accountID); got != want {
		t.Fatalf("balance=%d but ledger sums to %d", got, want)
	}
}

func strptr(s string) *string { return &s }

func TestRegister(t *testing.T) {
	_, _, account := newTestLedger(t)
	if account.BalanceCents != 0 {
		t.Fatalf("new account balance=%d want=0", account.BalanceCents)
	}
	if account.DisplayNumber != "HSA-0001" {
		t.Fatalf("display number=%q want=HSA-0001", account.DisplayNumber)
	}
}

func TestRegisterValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name, email string
	}{
		{"", "x@example.com"},
		{"X", ""},
		{"X", "not-an-email"},
	}
	for _, tc := range cases {
		if _, err := l.Register(ctx, model.RegisterRequest{Name: tc.name, Email: tc.email}); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("Register(%q, %q): want ErrInvalidInput, got %v", tc.name, tc.email, err)
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	l, store, account := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Register(ctx, model.RegisterRequest{Name: "Other", Email: "morrell@example.com"})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	// The rolled-back registration must not leave an account behind.
	if _, err := store.Account(ctx, account.ID+1); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unexpected account after failed registration: %v", err)
	}
}

func TestDeposit(t *testing.T) {
	l, store, account := newTestLedger(t)

	res := deposit(t, l, account.ID, 5000)
	if res.NewBalanceCents != 5000 {
		t.Fatalf("new balance=%d want=5000", res.NewBalanceCents)
	}
	txn := res.Transaction
	if txn.Type != model.TransactionDeposit || txn.Status != model.StatusSettled {
		t.Fatalf("transaction=%s/%s want=DEPOSIT/SETTLED", txn.Type, txn.Status)
	}
	if txn.Eligible != nil {
		t.Fatalf("deposit eligible=%v want=nil", *txn.Eligible)
	}
	if txn.DeclineReason != nil {
		t.Fatalf("deposit decline_reason=%v want=nil", *txn.DeclineReason)
	}
	checkInvariant(t, store, account.ID)
}

func TestDepositErrors(t *testing.T) {
	l, _, account := newTestLedger(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -100} {
		if _, err := l.Deposit(ctx, model.DepositRequest{AccountID: account.ID, AmountCents: amount}); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("Deposit(%d): want ErrInvalidInput, got %v", amount, err)
		}
	}
	if _, err := l.Deposit(ctx, model.DepositRequest{AccountID: 999, AmountCents: 100}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPurchaseApproved(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 10000)
	card := issueCard(t, l, account.ID)

	res, err := l.Purchase(context.Background(), model.PurchaseRequest{
		CardID:       card.ID,
		AmountCents:  2500,
		CategoryCode: strptr("PHARMACY"),
		Merchant:     strptr("Corner Pharmacy"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Status != model.StatusApproved {
		t.Fatalf("status=%s want=APPROVED", res.Transaction.Status)
	}
	if res.Transaction.DeclineReason != nil {
		t.Fatalf("decline_reason=%v want=nil", *res.Transaction.DeclineReason)
	}
	if res.Transaction.Eligible == nil || !*res.Transaction.Eligible {
		t.Fatal("eligible should be true")
	}
	if res.Transaction.CardID == nil || *res.Transaction.CardID != card.ID {
		t.Fatal("transaction should reference the card")
	}
	if res.NewBalanceCents != 7500 {
		t.Fatalf("new balance=%d want=7500", res.NewBalanceCents)
	}
	checkInvariant(t, store, account.ID)
}

func TestPurchaseItemCodeFallback(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 10000)
	card := issueCard(t, l, account.ID)

	// Category misses, item matches: still eligible.
	res, err := l.Purchase(context.Background(), model.PurchaseRequest{
		CardID:       card.ID,
		AmountCents:  1200,
		CategoryCode: strptr("GROCERY"),
		ItemCode:     strptr("OTC-IBU200"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Status != model.StatusApproved {
		t.Fatalf("status=%s want=APPROVED", res.Transaction.Status)
	}
	checkInvariant(t, store, account.ID)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 500)
	card := issueCard(t, l, account.ID)

	res, err := l.Purchase(context.Background(), model.PurchaseRequest{
		CardID:       card.ID,
		AmountCents:  600,
		CategoryCode: strptr("PHARMACY"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Status != model.StatusDeclined {
		t.Fatalf("status=%s want=DECLINED", res.Transaction.Status)
	}
	if res.Transaction.DeclineReason == nil || *res.Transaction.DeclineReason != model.DeclineInsufficientFunds {
		t.Fatalf("decline_reason=%v want=INSUFFICIENT_FUNDS", res.Transaction.DeclineReason)
	}
	// Declines never mutate the balance.
	if res.NewBalanceCents != 500 {
		t.Fatalf("new balance=%d want=500", res.NewBalanceCents)
	}
	if got := balance(t, store, account.ID); got != 500 {
		t.Fatalf("stored balance=%d want=500", got)
	}
	checkInvariant(t, store, account.ID)
}

func TestPurchaseIneligibleTakesPrecedence(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 10000)
	card := issueCard(t, l, account.ID)

	// Funds are ample, but the category is unknown: INELIGIBLE_EXPENSE wins.
	res, err := l.Purchase(context.Background(), model.PurchaseRequest{
		CardID:       card.ID,
		AmountCents:  100,
		CategoryCode: strptr("CASINO"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Status != model.StatusDeclined {
		t.Fatalf("status=%s want=DECLINED", res.Transaction.Status)
	}
	if res.Transaction.DeclineReason == nil || *res.Transaction.DeclineReason != model.DeclineIneligibleExpense {
		t.Fatalf("decline_reason=%v want=INELIGIBLE_EXPENSE", res.Transaction.DeclineReason)
	}
	if res.Transaction.Eligible == nil || *res.Transaction.Eligible {
		t.Fatal("eligible should be false")
	}
	if res.NewBalanceCents != 10000 {
		t.Fatalf("new balance=%d want=10000", res.NewBalanceCents)
	}
	// The decline is recorded, not discarded.
	txns, err := store.RecentTransactions(context.Background(), account.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Fatalf("transactions=%d want=2 (deposit + declined purchase)", len(txns))
	}
	checkInvariant(t, store, account.ID)
}

func TestPurchaseValidation(t *testing.T) {
	l, _, account := newTestLedger(t)
	card := issueCard(t, l, account.ID)
	ctx := context.Background()

	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: card.ID, AmountCents: 0, CategoryCode: strptr("PHARMACY")}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("zero amount: want ErrInvalidInput, got %v", err)
	}
	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: card.ID, AmountCents: 100}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("no codes: want ErrInvalidInput, got %v", err)
	}
	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: card.ID, AmountCents: 100, CategoryCode: strptr("  ")}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("blank code: want ErrInvalidInput, got %v", err)
	}
}

func TestPurchaseCardStates(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 10000)
	ctx := context.Background()

	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: 999, AmountCents: 100, CategoryCode: strptr("PHARMACY")}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown card: want ErrNotFound, got %v", err)
	}

	revoked, err := store.CreateCard(ctx, &model.Card{
		AccountID: account.ID,
		Token:     "card_revoked00001",
		Last4:     "0001",
		Status:    model.CardRevoked,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: revoked.ID, AmountCents: 100, CategoryCode: strptr("PHARMACY")}); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("revoked card: want ErrInvalidState, got %v", err)
	}
	// Infrastructure errors leave no transaction row behind.
	txns, err := store.RecentTransactions(ctx, account.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("transactions=%d want=1 (the deposit only)", len(txns))
	}
}

func TestPurchaseNotIdempotent(t *testing.T) {
	l, store, account := newTestLedger(t)
	deposit(t, l, account.ID, 10000)
	card := issueCard(t, l, account.ID)
	ctx := context.Background()

	req := model.PurchaseRequest{CardID: card.ID, AmountCents: 2500, CategoryCode: strptr("PHARMACY")}
	for i := 0; i < 2; i++ {
		if _, err := l.Purchase(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	if got := balance(t, store, account.ID); got != 5000 {
		t.Fatalf("balance=%d want=5000 after two identical purchases", got)
	}
	txns, err := store.RecentTransactions(ctx, account.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 3 {
		t.Fatalf("transactions=%d want=3", len(txns))
	}
	checkInvariant(t, store, account.ID)
}

func TestIssueCard(t *testing.T) {
	l, _, account := newTestLedger(t)
	card := issueCard(t, l, account.ID)

	if card.Status != model.CardActive {
		t.Fatalf("status=%s want=ACTIVE", card.Status)
	}
	if !strings.HasPrefix(card.Token, "card_") || len(card.Token) != len("card_")+12 {
		t.Fatalf("token=%q want card_ prefix and 12 random characters", card.Token)
	}
	if len(card.Last4) != 4 {
		t.Fatalf("last4=%q want 4 digits", card.Last4)
	}
	now := time.Now()
	if card.ExpiryYear != now.Year()+3 || card.ExpiryMonth != int(now.Month()) {
		t.Fatalf("expiry=%d/%d want=%d/%d", card.ExpiryMonth, card.ExpiryYear, now.Month(), now.Year()+3)
	}
}

func TestIssueCardUnknownAccount(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if _, err := l.IssueCard(context.Background(), 999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIssueCardTokenCollisionRetries(t *testing.T) {
	l, store, account := newTestLedger(t)
	ctx := context.Background()

	taken := "card_takentoken1"
	if _, err := store.CreateCard(ctx, &model.Card{AccountID: account.ID, Token: taken, Last4: "9999", Status: model.CardActive}); err != nil {
		t.Fatal(err)
	}

	// Two collisions, then a fresh token: issuance still succeeds.
	tokens := []string{taken, taken, "card_freshtoken1"}
	calls := 0
	l.newToken = func() string {
		tok := tokens[calls]
		calls++
		return tok
	}

	card := issueCard(t, l, account.ID)
	if card.Token != "card_freshtoken1" {
		t.Fatalf("token=%q want the fresh one", card.Token)
	}
	if card.Status != model.CardActive {
		t.Fatalf("status=%s want=ACTIVE", card.Status)
	}
	if calls != 3 {
		t.Fatalf("token generated %d times, want 3", calls)
	}
}

func TestIssueCardExhausted(t *testing.T) {
	l, store, account := newTestLedger(t)
	ctx := context.Background()

	taken := "card_takentoken1"
	existing, err := store.CreateCard(ctx, &model.Card{AccountID: account.ID, Token: taken, Last4: "9999", Status: model.CardActive})
	if err != nil {
		t.Fatal(err)
	}

	l.newToken = func() string { return taken }

	if _, err := l.IssueCard(ctx, account.ID); !errors.Is(err, model.ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	// No card row survives the exhausted retries.
	current, err := store.CurrentCard(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.ID != existing.ID {
		t.Fatalf("current card=%d want=%d", current.ID, existing.ID)
	}
}

func TestAccountOverview(t *testing.T) {
	l, _, account := newTestLedger(t)
	ctx := context.Background()

	overview, err := l.AccountOverview(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if overview.Card != nil {
		t.Fatal("card should be nil before issuance")
	}
	if len(overview.Transactions) != 0 {
		t.Fatalf("transactions=%d want=0", len(overview.Transactions))
	}

	deposit(t, l, account.ID, 5000)
	first := issueCard(t, l, account.ID)
	second := issueCard(t, l, account.ID)

	overview, err = l.AccountOverview(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if overview.Account.BalanceCents != 5000 {
		t.Fatalf("balance=%d want=5000", overview.Account.BalanceCents)
	}
	if overview.Card == nil || overview.Card.ID != second.ID {
		t.Fatalf("current card should be the newest (got %+v, want id=%d, first=%d)", overview.Card, second.ID, first.ID)
	}
	if len(overview.Transactions) != 1 {
		t.Fatalf("transactions=%d want=1", len(overview.Transactions))
	}
}

func TestBalanceWithoutCache(t *testing.T) {
	l, _, account := newTestLedger(t)
	deposit(t, l, account.ID, 1234)

	got, err := l.Balance(context.Background(), account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1234 {
		t.Fatalf("balance=%d want=1234", got)
	}
}

// failingStore injects an error into AddBalance inside an atomic scope to
// prove the scope rolls back whole.
type failingStore struct {
	repository.Store
	fail bool
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repository.Tx) error {
		return fn(&failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	repository.Tx
	store *failingStore
}

func (t *failingTx) AddBalance(ctx context.Context, accountID, deltaCents int64) (int64, error) {
	if t.store.fail {
		return 0, fmt.Errorf("injected storage failure")
	}
	return t.Tx.AddBalance(ctx, accountID, deltaCents)
}

func TestInvariantSurvivesInjectedFailure(t *testing.T) {
	_, store, account := newTestLedger(t)
	ctx := context.Background()

	wrapped := &failingStore{Store: store}
	l := NewLedger(wrapped, nil, nil)

	deposit(t, l, account.ID, 1000)
	card := issueCard(t, l, account.ID)

	wrapped.fail = true

	if _, err := l.Deposit(ctx, model.DepositRequest{AccountID: account.ID, AmountCents: 500}); err == nil {
		t.Fatal("want injected deposit failure")
	}
	if _, err := l.Purchase(ctx, model.PurchaseRequest{CardID: card.ID, AmountCents: 400, CategoryCode: strptr("PHARMACY")}); err == nil {
		t.Fatal("want injected purchase failure")
	}

	// Balance must equal its pre-failure value and agree with the audit trail.
	if got := balance(t, store, account.ID); got != 1000 {
		t.Fatalf("balance=%d want=1000 after failed operations", got)
	}
	txns, err := store.RecentTransactions(ctx, account.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("transactions=%d want=1, failed scopes must leave no rows", len(txns))
	}
	checkInvariant(t, store, account.ID)
}

type mockBus struct {
	topics   []string
	payloads [][]byte
}

func (m *mockBus) Publish(topic string, data []byte) error {
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	_, store, account := newTestLedger(t)
	bus := &mockBus{}
	l := NewLedger(store, nil, bus)

	deposit(t, l, account.ID, 5000)

	if len(bus.payloads) != 1 {
		t.Fatalf("events=%d want=1", len(bus.payloads))
	}
	if bus.topics[0] != repository.TopicTransactions {
		t.Fatalf("topic=%q want=%q", bus.topics[0], repository.TopicTransactions)
	}
	var event model.TransactionEvent
	if err := json.Unmarshal(bus.payloads[0], &event); err != nil {
		t.Fatal(err)
	}
	if event.AccountID != account.ID || event.BalanceCents != 5000 || event.Status != model.StatusSettled {
		t.Fatalf("unexpected event %+v", event)
	}

	// A failed operation publishes nothing.
	if _, err := l.Deposit(context.Background(), model.DepositRequest{AccountID: 999, AmountCents: 100}); err == nil {
		t.Fatal("want error")
	}
	if len(bus.payloads) != 1 {
		t.Fatalf("events=%d want=1 after failed deposit", len(bus.payloads))
	}
}
