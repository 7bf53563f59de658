// Package store holds the attribution store: the off-ledger, per-product
// enrichment record keyed by product id, plus the identity directory.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/model"
)

var (
	// ErrNotFound is returned by mutations that address a missing record.
	ErrNotFound = eris.New("store: record not found")
	// ErrDuplicate is returned when creating a record whose id already exists.
	ErrDuplicate = eris.New("store: record already exists")
)

// ProductFilter selects records for listing. Manufacturer and Actor are exclusive;
// Actor matches any hop whose actor equals it.
type ProductFilter struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// AttributionStore is the keyed document store of enriched product records.
// Find methods return nil, nil on a miss.
type AttributionStore interface {
	CreateProduct(ctx context.Context, rec *model.ProductRecord) error
	FindProduct(ctx context.Context, productID string) (*model.ProductRecord, error)
	AppendHop(ctx context.Context, productID string, hop model.Hop) error
	SetStatus(ctx context.Context, productID string, status model.Status) error
	DeleteProduct(ctx context.Context, productID string) (bool, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.ProductRecord, error)
}

// IdentityStore is the directory of known actor identities.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, id model.Identity) error
	GetIdentity(ctx context.Context, address string) (*model.Identity, error)
}

// Store is a full backend.
type Store interface {
	AttributionStore
	IdentityStore

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(f ProductFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
