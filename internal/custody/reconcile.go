package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/custody-trace/internal/ledger"
	"github.com/sells-group/custody-trace/internal/metrics"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
)

// NameResolver maps an actor identity to a display name, "Unknown" on a miss.
type NameResolver interface {
	DisplayName(ctx context.Context, address string) string
}

type unknownNames struct{}

func (unknownNames) DisplayName(context.Context, string) string { return model.UnknownName }

// Reconciler serves the merged read view and deletes ghost store records.
type Reconciler struct {
	ledger ledger.Ledger
	store  store.AttributionStore
	names  NameResolver
}

// NewReconciler builds a Reconciler. A nil names resolves everyone to "Unknown".
func NewReconciler(l ledger.Ledger, s store.AttributionStore, names NameResolver) *Reconciler {
	if names == nil {
		names = unknownNames{}
	}
	return &Reconciler{ledger: l, store: s, names: names}
}

// Get returns the ledger's view of productID overlaid with store enrichment.
// When the ledger does not know the id, any store record for it is deleted
// and ErrNotFound is returned.
func (r *Reconciler) Get(ctx context.Context, productID string) (*model.MergedProduct, error) {
	if productID == "" {
		return nil, validation("custody: product id is required")
	}
	if r.ledger == nil {
		return nil, eris.Wrap(ErrLedgerUnconfigured, "custody: get product")
	}
	log := zap.L().With(zap.String("product_id", productID))

	lp, err := r.ledger.GetProduct(ctx, productID)
	if err != nil {
		if ledger.IsNotFound(err) {
			r.heal(ctx, log, productID, err)
			return nil, eris.Wrapf(ErrNotFound, "custody: product %s", productID)
		}
		return nil, classifyLedger(err, "get product "+productID)
	}

	rec, err := r.store.FindProduct(ctx, productID)
	if err != nil {
		log.Warn("custody: store read failed, serving ledger view only", zap.Error(err))
		rec = nil
	}

	var stored []model.Hop
	if rec != nil {
		stored = rec.Hops
	}
	hops, issues := Zip(lp.Hops, stored)
	for _, issue := range issues {
		log.Warn("custody: store hops misaligned with ledger", zap.String("issue", issue))
	}

	out := &model.MergedProduct{
		ProductID:          lp.ProductID,
		Manufacturer:       lp.Manufacturer,
		LedgerManufacturer: lp.Manufacturer,
		ProductName:        model.UnknownProduct,
		Status:             model.StatusActive,
		Hops:               hops,
	}
	if out.ProductID == "" {
		out.ProductID = productID
	}
	if rec != nil {
		out.ProductName = rec.ProductName
		out.Status = rec.Status
		out.ImageURL = rec.ImageURL
		if rec.Manufacturer != "" {
			out.Manufacturer = rec.Manufacturer
		}
	}

	r.resolveNames(ctx, out)
	return out, nil
}

// heal deletes a ghost record. It only deletes when a record is present, so
// repeated reads of a healed id do not issue deletes.
func (r *Reconciler) heal(ctx context.Context, log *zap.Logger, productID string, cause error) {
	rec, err := r.store.FindProduct(ctx, productID)
	if err != nil {
		log.Warn("custody: ghost check failed", zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	deleted, err := r.store.DeleteProduct(ctx, productID)
	if err != nil {
		log.Error("custody: ghost delete failed", zap.Error(err))
		return
	}
	if deleted {
		metrics.GhostsHealedTotal.Inc()
		log.Warn("custody: deleted ghost record", zap.NamedError("ledger_error", cause))
	}
}

// Zip overlays stored enrichment onto ledger hops by index. The ledger
// decides the count; stored hops past its end are reported, not merged.
func Zip(ledgerHops []model.LedgerHop, stored []model.Hop) ([]model.MergedHop, []string) {
	var issues []string
	out := make([]model.MergedHop, len(ledgerHops))
	for i, base := range ledgerHops {
		out[i] = model.MergedHop{Base: base}
		if i >= len(stored) {
			continue
		}
		s := stored[i]
		if s.Role != "" && s.Role != base.Role {
			issues = append(issues, fmt.Sprintf("hop %d role %s in store, %s on ledger", i, s.Role, base.Role))
		}
		out[i].Enrichment = model.EnrichmentFromHop(s)
	}
	if len(stored) > len(ledgerHops) {
		issues = append(issues, fmt.Sprintf("store has %d hops, ledger has %d", len(stored), len(ledgerHops)))
	}
	return out, issues
}

// resolveNames fills display names, querying each distinct actor once.
func (r *Reconciler) resolveNames(ctx context.Context, p *model.MergedProduct) {
	addrs := map[string]struct{}{p.Manufacturer: {}}
	for _, h := range p.Hops {
		addrs[h.Actor()] = struct{}{}
	}

	var mu sync.Mutex
	names := make(map[string]string, len(addrs))
	var g errgroup.Group
	g.SetLimit(8)
	for addr := range addrs {
		g.Go(func() error {
			name := r.names.DisplayName(ctx, addr)
			mu.Lock()
			names[addr] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.ManufacturerName = names[p.Manufacturer]
	for i := range p.Hops {
		p.Hops[i].ActorName = names[p.Hops[i].Actor()]
	}
}
