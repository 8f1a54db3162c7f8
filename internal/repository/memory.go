package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hsaledger/internal/model"
)

// Memory is an in-memory Store with the same contract as Postgres. It backs
// unit tests and HSA_STORAGE=memory demo runs. One mutex serializes all
// atomic scopes; WithTx snapshots the state up front and restores it when the
// callback fails, so rollback semantics match the database.
type Memory struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	nextID       map[string]int64
	users        map[int64]*model.User
	emails       map[string]int64
	accounts     map[int64]*model.Account
	cards        map[int64]*model.Card
	tokens       map[string]int64
	transactions map[int64]*model.Transaction
	catalog      map[int64]*model.CatalogEntry
}

func NewMemory() *Memory {
	return &Memory{state: memState{
		nextID:       make(map[string]int64),
		users:        make(map[int64]*model.User),
		emails:       make(map[string]int64),
		accounts:     make(map[int64]*model.Account),
		cards:        make(map[int64]*model.Card),
		tokens:       make(map[string]int64),
		transactions: make(map[int64]*model.Transaction),
		catalog:      make(map[int64]*model.CatalogEntry),
	}}
}

func (s *memState) next(kind string) int64 {
	s.nextID[kind]++
	return s.nextID[kind]
}

func (s *memState) clone() memState {
	out := memState{
		nextID:       make(map[string]int64, len(s.nextID)),
		users:        make(map[int64]*model.User, len(s.users)),
		emails:       make(map[string]int64, len(s.emails)),
		accounts:     make(map[int64]*model.Account, len(s.accounts)),
		cards:        make(map[int64]*model.Card, len(s.cards)),
		tokens:       make(map[string]int64, len(s.tokens)),
		transactions: make(map[int64]*model.Transaction, len(s.transactions)),
		catalog:      make(map[int64]*model.CatalogEntry, len(s.catalog)),
	}
	for k, v := range s.nextID {
		out.nextID[k] = v
	}
	for k, v := range s.users {
		u := *v
		out.users[k] = &u
	}
	for k, v := range s.emails {
		out.emails[k] = v
	}
	for k, v := range s.accounts {
		a := *v
		out.accounts[k] = &a
	}
	for k, v := range s.cards {
		c := *v
		out.cards[k] = &c
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	for k, v := range s.transactions {
		t := *v
		out.transactions[k] = &t
	}
	for k, v := range s.catalog {
		e := *v
		out.catalog[k] = &e
	}
	return out
}

// WithTx serializes the scope under the store mutex and restores the
// pre-scope snapshot if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.state.clone()
	if err := fn(memTx{state: &m.state}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

// Auto-commit methods take the lock per call and delegate to memTx.

func (m *Memory) CreateUser(ctx context.Context, name, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CreateUser(ctx, name, email)
}

func (m *Memory) CreateAccount(ctx context.Context, userID int64, displayNumber string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CreateAccount(ctx, userID, displayNumber)
}

func (m *Memory) Account(ctx context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.Account(ctx, id)
}

func (m *Memory) AccountForUpdate(ctx context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.AccountForUpdate(ctx, id)
}

func (m *Memory) AddBalance(ctx context.Context, accountID, deltaCents int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.AddBalance(ctx, accountID, deltaCents)
}

func (m *Memory) Card(ctx context.Context, id int64) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.Card(ctx, id)
}

func (m *Memory) CurrentCard(ctx context.Context, accountID int64) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CurrentCard(ctx, accountID)
}

func (m *Memory) CreateCard(ctx context.Context, card *model.Card) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CreateCard(ctx, card)
}

func (m *Memory) CreateTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CreateTransaction(ctx, txn)
}

func (m *Memory) RecentTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.RecentTransactions(ctx, accountID, limit)
}

func (m *Memory) CategoryEligible(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CategoryEligible(ctx, code)
}

func (m *Memory) ItemEligible(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.ItemEligible(ctx, code)
}

func (m *Memory) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.Catalog(ctx)
}

func (m *Memory) CreateCatalogEntry(ctx context.Context, entry *model.CatalogEntry) (*model.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{state: &m.state}.CreateCatalogEntry(ctx, entry)
}

// memTx operates on the state without locking; the caller holds the mutex.
type memTx struct {
	state *memState
}

func (t memTx) CreateUser(ctx context.Context, name, email string) (*model.User, error) {
	if _, taken := t.state.emails[email]; taken {
		return nil, fmt.Errorf("%w: user (users_email_key)", model.ErrConflict)
	}
	u := &model.User{
		ID:        t.state.next("user"),
		Name:      name,
		Email:     email,
		CreatedAt: time.Now(),
	}
	t.state.users[u.ID] = u
	t.state.emails[email] = u.ID
	cp := *u
	return &cp, nil
}

func (t memTx) CreateAccount(ctx context.Context, userID int64, displayNumber string) (*model.Account, error) {
	if _, ok := t.state.users[userID]; !ok {
		return nil, fmt.Errorf("%w: user", model.ErrNotFound)
	}
	a := &model.Account{
		ID:            t.state.next("account"),
		UserID:        userID,
		DisplayNumber: displayNumber,
		CreatedAt:     time.Now(),
	}
	t.state.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (t memTx) Account(ctx context.Context, id int64) (*model.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account", model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (t memTx) AccountForUpdate(ctx context.Context, id int64) (*model.Account, error) {
	// The store mutex already serializes scopes; no extra lock needed.
	return t.Account(ctx, id)
}

func (t memTx) AddBalance(ctx context.Context, accountID, deltaCents int64) (int64, error) {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: account", model.ErrNotFound)
	}
	if a.BalanceCents+deltaCents < 0 {
		return 0, fmt.Errorf("balance check violated for account %d", accountID)
	}
	a.BalanceCents += deltaCents
	return a.BalanceCents, nil
}

func (t memTx) Card(ctx context.Context, id int64) (*model.Card, error) {
	c, ok := t.state.cards[id]
	if !ok {
		return nil, fmt.Errorf("%w: card", model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (t memTx) CurrentCard(ctx context.Context, accountID int64) (*model.Card, error) {
	var latest *model.Card
	for _, c := range t.state.cards {
		if c.AccountID != accountID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) ||
			(c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: card", model.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (t memTx) CreateCard(ctx context.Context, card *model.Card) (*model.Card, error) {
	if _, ok := t.state.accounts[card.AccountID]; !ok {
		return nil, fmt.Errorf("%w: account", model.ErrNotFound)
	}
	if _, taken := t.state.tokens[card.Token]; taken {
		return nil, fmt.Errorf("%w: card (cards_card_token_key)", model.ErrConflict)
	}
	c := *card
	c.ID = t.state.next("card")
	c.CreatedAt = time.Now()
	t.state.cards[c.ID] = &c
	t.state.tokens[c.Token] = c.ID
	cp := c
	return &cp, nil
}

func (t memTx) CreateTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if _, ok := t.state.accounts[txn.AccountID]; !ok {
		return nil, fmt.Errorf("%w: account", model.ErrNotFound)
	}
	if txn.AmountCents <= 0 {
		return nil, fmt.Errorf("amount check violated: %d", txn.AmountCents)
	}
	out := *txn
	out.ID = t.state.next("transaction")
	out.CreatedAt = time.Now()
	t.state.transactions[out.ID] = &out
	cp := out
	return &cp, nil
}

func (t memTx) RecentTransactions(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, txn := range t.state.transactions {
		if txn.AccountID == accountID {
			out = append(out, *txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t memTx) CategoryEligible(ctx context.Context, code string) (bool, error) {
	for _, e := range t.state.catalog {
		if e.CategoryCode != nil && *e.CategoryCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (t memTx) ItemEligible(ctx context.Context, code string) (bool, error) {
	for _, e := range t.state.catalog {
		if e.ItemCode != nil && *e.ItemCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (t memTx) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	var out []model.CatalogEntry
	for _, e := range t.state.catalog {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memTx) CreateCatalogEntry(ctx context.Context, entry *model.CatalogEntry) (*model.CatalogEntry, error) {
	for _, e := range t.state.catalog {
		if entry.CategoryCode != nil && e.CategoryCode != nil && *e.CategoryCode == *entry.CategoryCode {
			return nil, fmt.Errorf("%w: catalog entry", model.ErrConflict)
		}
		if entry.ItemCode != nil && e.ItemCode != nil && *e.ItemCode == *entry.ItemCode {
			return nil, fmt.Errorf("%w: catalog entry", model.ErrConflict)
		}
	}
	out := *entry
	out.ID = t.state.next("catalog")
	t.state.catalog[out.ID] = &out
	cp := out
	return &cp, nil
}
