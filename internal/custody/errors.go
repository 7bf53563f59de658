package custody

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/ledger"
)

// Error classes surfaced to callers. Each is matched with errors.Is.
var (
	// ErrValidation means a required field was missing; no I/O was performed.
	ErrValidation = eris.New("custody: validation failed")
	// ErrLedgerUnconfigured means the ledger adapter has no endpoint, contract or key.
	ErrLedgerUnconfigured = eris.New("custody: ledger not configured")
	// ErrLedgerRejected means the contract refused the transaction.
	ErrLedgerRejected = eris.New("custody: ledger rejected transaction")
	// ErrLedgerUnavailable means the ledger could not be reached.
	ErrLedgerUnavailable = eris.New("custody: ledger unavailable")
	// ErrMiningTimeout means the confirmation deadline elapsed. The transaction
	// may still confirm later; retrying is the caller's decision.
	ErrMiningTimeout = eris.New("custody: confirmation deadline exceeded")
	// ErrNotFound means the ledger does not know the product.
	ErrNotFound = eris.New("custody: product not found")
)

func validation(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}

// classifyLedger maps a ledger adapter error onto the taxonomy, keeping the
// adapter's message.
func classifyLedger(err error, action string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return eris.Wrapf(err, "custody: %s", action)
	case errors.Is(err, ledger.ErrUnconfigured):
		return eris.Wrapf(ErrLedgerUnconfigured, "custody: %s: %v", action, err)
	case errors.Is(err, ledger.ErrRejected):
		return eris.Wrapf(ErrLedgerRejected, "custody: %s: %v", action, err)
	default:
		return eris.Wrapf(ErrLedgerUnavailable, "custody: %s: %v", action, err)
	}
}
