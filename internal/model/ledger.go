package model

import "time"

type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionPurchase TransactionType = "PURCHASE"
)

type TransactionStatus string

const (
	StatusSettled  TransactionStatus = "SETTLED"
	StatusApproved TransactionStatus = "APPROVED"
	StatusDeclined TransactionStatus = "DECLINED"
)

type DeclineReason string

const (
	DeclineIneligibleExpense DeclineReason = "INELIGIBLE_EXPENSE"
	DeclineInsufficientFunds DeclineReason = "INSUFFICIENT_FUNDS"
)

type CardStatus string

const (
	CardActive  CardStatus = "ACTIVE"
	CardRevoked CardStatus = "REVOKED"
)

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Account struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	BalanceCents  int64     `json:"balance_cents"`
	DisplayNumber string    `json:"display_number"`
	CreatedAt     time.Time `json:"created_at"`
}

type Card struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	Token       string     `json:"-"`
	Last4       string     `json:"last4"`
	ExpiryMonth int        `json:"expiry_month"`
	ExpiryYear  int        `json:"expiry_year"`
	Status      CardStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Transaction is an immutable ledger entry. Eligible is tri-state: nil for
// deposits, true/false for purchases.
type Transaction struct {
	ID            int64             `json:"id"`
	AccountID     int64             `json:"account_id"`
	CardID        *int64            `json:"card_id"`
	Type          TransactionType   `json:"type"`
	AmountCents   int64             `json:"amount_cents"`
	Status        TransactionStatus `json:"status"`
	Eligible      *bool             `json:"eligible"`
	DeclineReason *DeclineReason    `json:"decline_reason"`
	Merchant      *string           `json:"merchant"`
	CategoryCode  *string           `json:"category_code"`
	ItemCode      *string           `json:"item_code"`
	Note          *string           `json:"note"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CatalogEntry maps a merchant category code or an item code (exactly one of
// the two is set) to a human label.
type CatalogEntry struct {
	ID           int64   `json:"id"`
	CategoryCode *string `json:"category_code"`
	ItemCode     *string `json:"item_code"`
	Label        string  `json:"label"`
}

type RegisterRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Registration struct {
	User    *User    `json:"user"`
	Account *Account `json:"account"`
}

type DepositRequest struct {
	AccountID   int64   `json:"account_id"`
	AmountCents int64   `json:"amount_cents"`
	Note        *string `json:"note"`
}

type DepositResult struct {
	Transaction     *Transaction `json:"transaction"`
	NewBalanceCents int64        `json:"new_balance_cents"`
}

type PurchaseRequest struct {
	CardID       int64   `json:"card_id"`
	AmountCents  int64   `json:"amount_cents"`
	CategoryCode *string `json:"category_code"`
	ItemCode     *string `json:"item_code"`
	Merchant     *string `json:"merchant"`
	Note         *string `json:"note"`
}

type PurchaseResult struct {
	Transaction     *Transaction `json:"transaction"`
	NewBalanceCents int64        `json:"new_balance_cents"`
}

// AccountOverview is the read model behind the account page: snapshot,
// current card (newest by creation time, nil if none issued) and the most
// recent transactions, newest first.
type AccountOverview struct {
	Account      *Account      `json:"account"`
	Card         *Card         `json:"card"`
	Transactions []Transaction `json:"transactions"`
}

// TransactionEvent is published on the bus after an atomic scope commits.
type TransactionEvent struct {
	TransactionID int64             `json:"transaction_id"`
	AccountID     int64             `json:"account_id"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	AmountCents   int64             `json:"amount_cents"`
	BalanceCents  int64             `json:"balance_cents"`
	CreatedAt     time.Time         `json:"created_at"`
}
