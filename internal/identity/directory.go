// Package identity resolves actor addresses to display names.
package identity

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
)

// Directory looks identities up in the store. Concurrent lookups of the same
// address share one query.
type Directory struct {
	store store.IdentityStore
	group singleflight.Group
}

func NewDirectory(s store.IdentityStore) *Directory {
	return &Directory{store: s}
}

// Normalize lowercases an address so lookups are case-insensitive.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Register validates and stores an identity.
func (d *Directory) Register(ctx context.Context, id model.Identity) error {
	id.Address = Normalize(id.Address)
	if id.Address == "" {
		return eris.New("identity: address is required")
	}
	if id.CompanyName == "" {
		return eris.New("identity: company name is required")
	}
	if id.Role != model.RoleManufacturer && id.Role != model.RoleRetailer {
		return eris.Errorf("identity: unknown role %q", id.Role)
	}
	return d.store.UpsertIdentity(ctx, id)
}

// Lookup returns the identity for address, or nil when unregistered.
func (d *Directory) Lookup(ctx context.Context, address string) (*model.Identity, error) {
	key := Normalize(address)
	if key == "" {
		return nil, nil
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.store.GetIdentity(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Identity), nil
}

// DisplayName returns the company name for address, or "Unknown" when the
// address is unregistered or the lookup fails.
func (d *Directory) DisplayName(ctx context.Context, address string) string {
	id, err := d.Lookup(ctx, address)
	if err != nil {
		zap.L().Warn("identity: lookup failed", zap.String("address", address), zap.Error(err))
		return model.UnknownName
	}
	if id == nil || id.CompanyName == "" {
		return model.UnknownName
	}
	return id.CompanyName
}
