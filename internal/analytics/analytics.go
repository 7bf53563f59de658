// Package analytics summarizes a manufacturer's products and retail partners
// from the attribution store.
package analytics

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
)

const (
	recentLimit = 5
	scanLimit   = 10000

	// UnregisteredName labels partners with no identity record.
	UnregisteredName = "Unregistered Entity"
)

// IdentityLookup returns the identity for an address, nil when unregistered.
type IdentityLookup interface {
	Lookup(ctx context.Context, address string) (*model.Identity, error)
}

// Service computes reports.
type Service struct {
	store store.AttributionStore
	ids   IdentityLookup
}

func NewService(s store.AttributionStore, ids IdentityLookup) *Service {
	return &Service{store: s, ids: ids}
}

// Recent is a short product summary.
type Recent struct {
	ProductID   string      `json:"product_id" yaml:"product_id"`
	ProductName string      `json:"product_name" yaml:"product_name"`
	Hops        []model.Hop `json:"hops" yaml:"hops"`
}

// Dashboard is the manufacturer overview.
type Dashboard struct {
	TotalProducts     int      `json:"total_products" yaml:"total_products"`
	ProductsInTransit int      `json:"products_in_transit" yaml:"products_in_transit"`
	RetailersReached  int      `json:"retailers_reached" yaml:"retailers_reached"`
	RecentActivity    []Recent `json:"recent_activity" yaml:"recent_activity"`
}

// Dashboard counts products minted by manufacturer, those that have left the
// manufacturer (more than one hop), and distinct retailer locations reached.
func (s *Service) Dashboard(ctx context.Context, manufacturer string) (*Dashboard, error) {
	recs, err := s.products(ctx, manufacturer)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{TotalProducts: len(recs), RecentActivity: []Recent{}}
	locations := map[string]struct{}{}
	for _, r := range recs {
		if len(r.Hops) > 1 {
			d.ProductsInTransit++
		}
		for _, h := range r.Hops {
			if h.Role == model.RoleRetailer {
				locations[h.Location] = struct{}{}
			}
		}
	}
	d.RetailersReached = len(locations)

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	for i := 0; i < len(recs) && i < recentLimit; i++ {
		d.RecentActivity = append(d.RecentActivity, Recent{
			ProductID:   recs[i].ProductID,
			ProductName: recs[i].ProductName,
			Hops:        recs[i].Hops,
		})
	}
	return d, nil
}

// Partner is one retailer that handled the manufacturer's products.
type Partner struct {
	Address            string `json:"wallet_address" yaml:"wallet_address"`
	CompanyName        string `json:"company_name" yaml:"company_name"`
	ContactPerson      string `json:"contact_person,omitempty" yaml:"contact_person,omitempty"`
	ContactPhone       string `json:"contact_phone,omitempty" yaml:"contact_phone,omitempty"`
	RegisteredLocation string `json:"registered_location,omitempty" yaml:"registered_location,omitempty"`
	Volume             int    `json:"volume" yaml:"volume"`
	LastActive         int64  `json:"last_active" yaml:"last_active"`
}

// Partners groups retailer hops by actor, joins identity records, and sorts
// by volume descending.
func (s *Service) Partners(ctx context.Context, manufacturer string) ([]Partner, error) {
	recs, err := s.products(ctx, manufacturer)
	if err != nil {
		return nil, err
	}

	byActor := map[string]*Partner{}
	var order []string
	for _, r := range recs {
		for _, h := range r.Hops {
			if h.Role != model.RoleRetailer {
				continue
			}
			p, ok := byActor[h.Actor]
			if !ok {
				p = &Partner{Address: h.Actor, CompanyName: UnregisteredName}
				byActor[h.Actor] = p
				order = append(order, h.Actor)
			}
			p.Volume++
			if h.Timestamp > p.LastActive {
				p.LastActive = h.Timestamp
			}
		}
	}

	out := make([]Partner, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, addr := range order {
		out[i] = *byActor[addr]
		if s.ids == nil {
			continue
		}
		g.Go(func() error {
			id, err := s.ids.Lookup(gctx, addr)
			if err != nil {
				zap.L().Warn("analytics: identity lookup failed", zap.String("address", addr), zap.Error(err))
				return nil
			}
			if id != nil {
				if id.CompanyName != "" {
					out[i].CompanyName = id.CompanyName
				}
				out[i].ContactPerson = id.ContactPerson
				out[i].ContactPhone = id.ContactPhone
				out[i].RegisteredLocation = id.RegisteredLocation
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "analytics: partners")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume > out[j].Volume })
	return out, nil
}

func (s *Service) products(ctx context.Context, manufacturer string) ([]model.ProductRecord, error) {
	if manufacturer == "" {
		return nil, eris.New("analytics: manufacturer is required")
	}
	recs, err := s.store.ListProducts(ctx, store.ProductFilter{Manufacturer: manufacturer, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list products")
	}
	return recs, nil
}
