// Package ledger defines the contract the custody core relies on from the
// distributed ledger, and an Ethereum implementation of it.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/model"
)

var (
	// ErrUnconfigured means the adapter was never given an endpoint, contract and key.
	ErrUnconfigured = eris.New("ledger: not configured")
	// ErrProductNotFound means the ledger does not know the product id.
	ErrProductNotFound = eris.New("ledger: product does not exist")
	// ErrRejected means the contract reverted the call (unauthorized role,
	// duplicate id, inactive product, repeated retailer).
	ErrRejected = eris.New("ledger: transaction rejected")
)

// Confirmation describes a mined transaction.
type Confirmation struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// PendingTx is a broadcast transaction whose inclusion is not yet known.
type PendingTx interface {
	Hash() string
	// Wait blocks until the transaction is mined or ctx is done. Returning
	// because ctx is done does not cancel the transaction itself.
	Wait(ctx context.Context) (*Confirmation, error)
}

// Ledger is the authoritative record of products and hops.
type Ledger interface {
	CreateProduct(ctx context.Context, productID, location string) (PendingTx, error)
	AddRetailerHop(ctx context.Context, productID, location string) (PendingTx, error)
	CompleteProduct(ctx context.Context, productID string) (PendingTx, error)
	GetProduct(ctx context.Context, productID string) (*model.LedgerProduct, error)

	SetManufacturer(ctx context.Context, address string, allowed bool) (PendingTx, error)
	SetRetailer(ctx context.Context, address string, allowed bool) (PendingTx, error)
}

// notFoundPatterns are revert and decode messages that mean the id is unknown.
var notFoundPatterns = []string{
	"product does not exist",
	"execution reverted",
	"call revert exception",
	"reverted",
	"attempting to unmarshal an empty string",
	"attempting to unmarshall an empty string",
	"bad data",
}

// IsNotFound reports whether err means the ledger does not know the product.
// Reads that revert or return undecodable data are treated as unknown ids.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProductNotFound) {
		return true
	}
	if errors.Is(err, ErrUnconfigured) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range notFoundPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
