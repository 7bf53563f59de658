package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/model"
)

// Memory is a process-local Store. It backs tests and the "memory" driver.
type Memory struct {
	mu         sync.RWMutex
	products   map[string]model.ProductRecord
	identities map[string]model.Identity
}

func NewMemory() *Memory {
	return &Memory{
		products:   make(map[string]model.ProductRecord),
		identities: make(map[string]model.Identity),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Close() error                  { return nil }

func cloneRecord(r model.ProductRecord) model.ProductRecord {
	hops := make([]model.Hop, len(r.Hops))
	for i, h := range r.Hops {
		hops[i] = cloneHop(h)
	}
	r.Hops = hops
	r.VisionResult = cloneVision(r.VisionResult)
	return r
}

func cloneHop(h model.Hop) model.Hop {
	h = normalizeHop(h)
	h.Flags = slices.Clone(h.Flags)
	h.VisionResult = cloneVision(h.VisionResult)
	return h
}

func cloneVision(v *model.VisionResult) *model.VisionResult {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (m *Memory) CreateProduct(_ context.Context, rec *model.ProductRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[rec.ProductID]; ok {
		return eris.Wrapf(ErrDuplicate, "memory: product %s", rec.ProductID)
	}
	m.products[rec.ProductID] = cloneRecord(*rec)
	return nil
}

func (m *Memory) FindProduct(_ context.Context, productID string) (*model.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.products[productID]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *Memory) AppendHop(_ context.Context, productID string, hop model.Hop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.products[productID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: append hop to %s", productID)
	}
	rec.Hops = append(slices.Clone(rec.Hops), cloneHop(hop))
	rec.UpdatedAt = time.Now().UTC()
	m.products[productID] = rec
	return nil
}

func (m *Memory) SetStatus(_ context.Context, productID string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.products[productID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: set status of %s", productID)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	m.products[productID] = rec
	return nil
}

func (m *Memory) DeleteProduct(_ context.Context, productID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.products[productID]
	delete(m.products, productID)
	return ok, nil
}

func (m *Memory) ListProducts(_ context.Context, filter ProductFilter) ([]model.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ProductRecord
	for _, rec := range m.products {
		if filter.Manufacturer != "" && rec.Manufacturer != filter.Manufacturer {
			continue
		}
		if filter.Actor != "" && !slices.ContainsFunc(rec.Hops, func(h model.Hop) bool { return h.Actor == filter.Actor }) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := listLimit(filter); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertIdentity(_ context.Context, id model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.identities[id.Address]; ok {
		id.CreatedAt = prev.CreatedAt
	} else if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	m.identities[id.Address] = id
	return nil
}

func (m *Memory) GetIdentity(_ context.Context, address string) (*model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[address]
	if !ok {
		return nil, nil
	}
	return &id, nil
}
