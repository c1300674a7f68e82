package core

import "errors"

// Failure taxonomy shared by the ledger, the order book and the exchange engine.
// Call sites wrap these with fmt.Errorf("...: %w"); callers match with errors.Is.
var (
	ErrTransferFailed      = errors.New("transfer failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("order not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyFinalized    = errors.New("order already finalized")
	ErrInvalidAmount       = errors.New("invalid amount")
)
