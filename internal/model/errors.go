package model

import "errors"

// Ledger error taxonomy. Callers match with errors.Is; mutating paths roll
// back their atomic scope before surfacing any of these. Business declines
// are not errors — they come back as DECLINED transactions.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrExhausted    = errors.New("retries exhausted")
)
