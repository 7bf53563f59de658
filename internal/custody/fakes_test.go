package custody

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/custody-trace/internal/ledger"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
	"github.com/sells-group/custody-trace/internal/vision"
)

// fakeTx confirms immediately unless release is set, in which case it waits
// for release to close.
type fakeTx struct {
	hash    string
	release chan struct{}
	err     error
}

func (t *fakeTx) Hash() string { return t.hash }

func (t *fakeTx) Wait(ctx context.Context) (*ledger.Confirmation, error) {
	if t.release != nil {
		select {
		case <-t.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return &ledger.Confirmation{TxHash: t.hash, BlockNumber: 42}, nil
}

type mockLedger struct {
	mock.Mock
}

func pending(args mock.Arguments) (ledger.PendingTx, error) {
	tx, _ := args.Get(0).(ledger.PendingTx)
	return tx, args.Error(1)
}

func (m *mockLedger) CreateProduct(ctx context.Context, productID, location string) (ledger.PendingTx, error) {
	return pending(m.Called(ctx, productID, location))
}

func (m *mockLedger) AddRetailerHop(ctx context.Context, productID, location string) (ledger.PendingTx, error) {
	return pending(m.Called(ctx, productID, location))
}

func (m *mockLedger) CompleteProduct(ctx context.Context, productID string) (ledger.PendingTx, error) {
	return pending(m.Called(ctx, productID))
}

func (m *mockLedger) GetProduct(ctx context.Context, productID string) (*model.LedgerProduct, error) {
	args := m.Called(ctx, productID)
	lp, _ := args.Get(0).(*model.LedgerProduct)
	return lp, args.Error(1)
}

func (m *mockLedger) SetManufacturer(ctx context.Context, address string, allowed bool) (ledger.PendingTx, error) {
	return pending(m.Called(ctx, address, allowed))
}

func (m *mockLedger) SetRetailer(ctx context.Context, address string, allowed bool) (ledger.PendingTx, error) {
	return pending(m.Called(ctx, address, allowed))
}

type mockAssessor struct {
	mock.Mock
}

func (m *mockAssessor) Assess(ctx context.Context, req vision.Request) (model.VisionResult, bool) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.VisionResult), args.Bool(1)
}

// countingStore records mutating calls on top of an in-memory store.
type countingStore struct {
	*store.Memory
	deletes atomic.Int32
	appends atomic.Int32
	creates atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: store.NewMemory()}
}

func (s *countingStore) CreateProduct(ctx context.Context, rec *model.ProductRecord) error {
	s.creates.Add(1)
	return s.Memory.CreateProduct(ctx, rec)
}

func (s *countingStore) AppendHop(ctx context.Context, productID string, hop model.Hop) error {
	s.appends.Add(1)
	return s.Memory.AppendHop(ctx, productID, hop)
}

func (s *countingStore) DeleteProduct(ctx context.Context, productID string) (bool, error) {
	s.deletes.Add(1)
	return s.Memory.DeleteProduct(ctx, productID)
}

type mapNames struct {
	mu    sync.Mutex
	names map[string]string
	calls map[string]int
}

func (m *mapNames) DisplayName(_ context.Context, address string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[address]++
	if n, ok := m.names[address]; ok {
		return n
	}
	return model.UnknownName
}
