// Package settlement runs external-ledger transfers as decoupled, retryable
// jobs. A job is enqueued only after its balance debit has committed; a
// failed transfer never re-credits the balance on its own.
package settlement

import (
	"context"
	"errors"
)

// Errors for settlement operations.
var (
	// ErrSettlementFailed wraps a transfer the external chain rejected.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrQueueFull is returned when the worker cannot accept more jobs.
	ErrQueueFull = errors.New("settlement queue full")
)

// Result is the outcome of one external transfer call.
type Result struct {
	Success     bool
	ExternalRef string
	Reason      string
}

// Settler performs the actual external transfer. Implementations must honor
// the context deadline; the worker never holds any ledger or session state
// while a call is in flight.
type Settler interface {
	Settle(ctx context.Context, userID, walletRef string, amount int64) (*Result, error)
}
