package custody

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/custody-trace/internal/ledger"
	"github.com/sells-group/custody-trace/internal/media"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
	"github.com/sells-group/custody-trace/internal/vision"
)

const (
	mumbai = "19.0760,72.8777"
	pune   = "18.5204,73.8567"
	london = "51.5074,-0.1278"
	t0     = int64(1700000000)
)

var shortDeadlines = Deadlines{FirstHop: 30 * time.Millisecond, LaterHop: 30 * time.Millisecond}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0).UTC() }
}

func seedRecord(t *testing.T, s interface {
	CreateProduct(context.Context, *model.ProductRecord) error
}, id string, hops ...model.Hop) {
	t.Helper()
	require.NoError(t, s.CreateProduct(context.Background(), &model.ProductRecord{
		ProductID:    id,
		ProductName:  "Alphonso Mangoes",
		Manufacturer: "0xmaker",
		Status:       model.StatusActive,
		Hops:         hops,
		CreatedAt:    time.Unix(t0, 0).UTC(),
	}))
}

func TestCreateProduct_ConfirmedCreatesRecord(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	ml.On("CreateProduct", mock.Anything, mock.AnythingOfType("string"), mumbai).
		Return(&fakeTx{hash: "0xtx1"}, nil)

	p := NewPipeline(ml, st, WithClock(fixedClock(t0)), WithDeadlines(shortDeadlines))
	res, err := p.CreateProduct(context.Background(), CreateRequest{
		ProductName: "Alphonso Mangoes",
		Location:    mumbai,
		Actor:       "0xmaker",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ProductID, "PROD-2023-"))
	assert.True(t, res.Confirmed)
	assert.False(t, res.Degraded)
	assert.Equal(t, "0xtx1", res.TxHash)

	rec, err := st.FindProduct(context.Background(), res.ProductID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "0xmaker", rec.Manufacturer)
	assert.Equal(t, model.StatusActive, rec.Status)
	require.Len(t, rec.Hops, 1)
	assert.Equal(t, model.RoleManufacturer, rec.Hops[0].Role)
	assert.Equal(t, t0, rec.Hops[0].Timestamp)
	assert.Equal(t, []string{}, rec.Hops[0].Flags)
	ml.AssertExpectations(t)
}

func TestCreateProduct_TimeoutLeavesNoRecordEvenIfLaterConfirmed(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	tx := &fakeTx{hash: "0xslow", release: make(chan struct{})}
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(tx, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	res, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xmaker"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMiningTimeout)

	// The ledger confirms after the deadline.
	close(tx.release)
	time.Sleep(20 * time.Millisecond)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int32(0), st.creates.Load())
}

func TestCreateProduct_SubmitRejected(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).
		Return(nil, eris.Wrap(ledger.ErrRejected, "execution reverted: Not a manufacturer"))

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xm"})
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Contains(t, err.Error(), "Not a manufacturer")
	assert.Equal(t, int32(0), st.creates.Load())
}

func TestCreateProduct_ConfirmationReverted(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).
		Return(&fakeTx{hash: "0xbad", err: eris.Wrap(ledger.ErrRejected, "receipt status 0")}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xm"})
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, int32(0), st.creates.Load())
}

func TestCreateProduct_Validation(t *testing.T) {
	ml := new(mockLedger)
	p := NewPipeline(ml, newCountingStore())

	_, err := p.CreateProduct(context.Background(), CreateRequest{Actor: "0xm", Location: "  "})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.CreateProduct(context.Background(), CreateRequest{Location: mumbai})
	assert.ErrorIs(t, err, ErrValidation)
	ml.AssertNotCalled(t, "CreateProduct", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateProduct_NoLedger(t *testing.T) {
	p := NewPipeline(nil, newCountingStore())
	_, err := p.CreateProduct(context.Background(), CreateRequest{Location: mumbai, Actor: "0xm"})
	assert.ErrorIs(t, err, ErrLedgerUnconfigured)
}

func TestCreateProduct_AdapterUnconfigured(t *testing.T) {
	ml := new(mockLedger)
	ml.On("CreateProduct", mock.Anything, mock.Anything, mock.Anything).Return(nil, ledger.ErrUnconfigured)

	p := NewPipeline(ml, newCountingStore())
	_, err := p.CreateProduct(context.Background(), CreateRequest{Location: mumbai, Actor: "0xm"})
	assert.ErrorIs(t, err, ErrLedgerUnconfigured)
}

func TestCreateProduct_StoreFailureIsDegraded(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	res, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xm"})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.True(t, res.Degraded)
	assert.Error(t, res.StoreErr)
}

func TestCreateProduct_DamagedImageUsesFallback(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	mem := media.NewMemory()
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithMedia(mem), WithDeadlines(shortDeadlines))
	res, err := p.CreateProduct(context.Background(), CreateRequest{
		ProductID:   "PROD-X",
		ProductName: "Broken Vase",
		Location:    mumbai,
		Actor:       "0xm",
		Image:       []byte("\xff\xd8\xff\xe0photo"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagDamagedAtSource}, res.Hop.Flags)
	require.NotNil(t, res.Hop.VisionResult)
	assert.True(t, res.Hop.VisionResult.IsDamaged)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ImageURL)
	assert.Equal(t, rec.ImageURL, rec.Hops[0].ImageURL)
	require.NotNil(t, rec.VisionResult)
	assert.Equal(t, "Damage detected (Simulation Fallback)", rec.VisionResult.Reason)
}

func TestCreateProduct_EmptyNameDefaults(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", ProductName: "  ", Location: mumbai, Actor: "0xm"})
	require.NoError(t, err)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.UnnamedProduct, rec.ProductName)
}

func TestCreateProduct_UnconfirmedLeavesNoImage(t *testing.T) {
	image := []byte("\xff\xd8\xff\xe0photo")
	tests := []struct {
		name string
		tx   *fakeTx
		want error
	}{
		{name: "timeout", tx: &fakeTx{hash: "0xslow", release: make(chan struct{})}, want: ErrMiningTimeout},
		{name: "reverted", tx: &fakeTx{hash: "0xbad", err: eris.Wrap(ledger.ErrRejected, "receipt status 0")}, want: ErrLedgerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			local, err := media.NewLocal(dir, "/uploads")
			require.NoError(t, err)
			ml := new(mockLedger)
			ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(tt.tx, nil)
			if tt.tx.release != nil {
				defer close(tt.tx.release)
			}

			p := NewPipeline(ml, newCountingStore(), WithMedia(local), WithDeadlines(shortDeadlines))
			_, err = p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xm", Image: image})
			assert.ErrorIs(t, err, tt.want)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCreateProduct_ConfirmedStoresImage(t *testing.T) {
	dir := t.TempDir()
	local, err := media.NewLocal(dir, "/uploads")
	require.NoError(t, err)
	ml := new(mockLedger)
	ml.On("CreateProduct", mock.Anything, "PROD-X", mumbai).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, newCountingStore(), WithMedia(local), WithDeadlines(shortDeadlines))
	res, err := p.CreateProduct(context.Background(), CreateRequest{ProductID: "PROD-X", Location: mumbai, Actor: "0xm", Image: []byte("\xff\xd8\xff\xe0photo")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Hop.ImageURL, "/uploads/"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAddHop_RejectedLeavesNoImage(t *testing.T) {
	dir := t.TempDir()
	local, err := media.NewLocal(dir, "/uploads")
	require.NoError(t, err)
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).
		Return(&fakeTx{hash: "0xtx", err: eris.Wrap(ledger.ErrRejected, "Retailer already scanned")}, nil)

	p := NewPipeline(ml, st, WithMedia(local), WithDeadlines(shortDeadlines))
	_, err = p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop", Image: []byte("\xff\xd8\xff\xe0photo")})
	assert.ErrorIs(t, err, ErrLedgerRejected)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddHop_CallerCancelAfterBroadcastStillAppends(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X", model.Hop{Role: model.RoleManufacturer, Actor: "0xmaker", Location: mumbai, Timestamp: t0})
	tx := &fakeTx{hash: "0xpending", release: make(chan struct{})}
	defer close(tx.release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The caller goes away right after the transaction is broadcast.
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).Run(func(mock.Arguments) { cancel() }).Return(tx, nil)

	p := NewPipeline(ml, st, WithClock(fixedClock(t0+86400)), WithDeadlines(Deadlines{FirstHop: time.Minute, LaterHop: time.Minute}))
	res, err := p.AddHop(ctx, HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.ErrorIs(t, res.LedgerErr, context.Canceled)
	assert.Equal(t, "0xpending", res.TxHash)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	require.Len(t, rec.Hops, 2)
	assert.Equal(t, "0xshop", rec.Hops[1].Actor)
	assert.Equal(t, int32(1), st.appends.Load())
}

func TestAddHop_TimeoutStillAppends(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X", model.Hop{Role: model.RoleManufacturer, Actor: "0xmaker", Location: mumbai, Timestamp: t0})
	tx := &fakeTx{hash: "0xslow", release: make(chan struct{})}
	defer close(tx.release)
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).Return(tx, nil)

	p := NewPipeline(ml, st, WithClock(fixedClock(t0+10800)), WithDeadlines(shortDeadlines))
	res, err := p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.ErrorIs(t, res.LedgerErr, ErrMiningTimeout)
	assert.Equal(t, "0xslow", res.TxHash)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	require.Len(t, rec.Hops, 2)
	assert.Equal(t, "0xshop", rec.Hops[1].Actor)
	assert.Equal(t, int32(1), st.appends.Load())
}

func TestAddHop_ConfirmedAppendsWithFraudFlags(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X", model.Hop{Role: model.RoleManufacturer, Actor: "0xmaker", Location: mumbai, Timestamp: t0})
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithClock(fixedClock(t0+60)), WithDeadlines(shortDeadlines))
	res, err := p.AddHop(context.Background(), HopRequest{
		ProductID: "PROD-X",
		Location:  pune,
		Actor:     "0xshop",
		Flags:     []string{"MANUAL_REVIEW"},
	})
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "MANUAL_REVIEW", res.Hop.Flags[0])
	assert.Contains(t, res.Hop.Flags, model.FlagSimultaneousScan)
	assert.Contains(t, res.Hop.Flags, model.FlagImpossibleTravel)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.Equal(t, res.Hop.Flags, rec.Hops[1].Flags)
}

func TestAddHop_NoBaselineNoFraudFlags(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", london).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	res, err := p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: london, Actor: "0xshop"})
	require.NoError(t, err)
	assert.Empty(t, res.Hop.Flags)
	assert.True(t, res.Degraded, "no record to append to")
	assert.ErrorIs(t, res.StoreErr, store.ErrNotFound)
}

func TestAddHop_RevertedReceiptIsTerminal(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X", model.Hop{Role: model.RoleManufacturer, Actor: "0xmaker", Location: mumbai, Timestamp: t0})
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).
		Return(&fakeTx{hash: "0xtx", err: eris.Wrap(ledger.ErrRejected, "Retailer already scanned")}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop"})
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, int32(0), st.appends.Load())
}

func TestAddHop_SubmitFailureIsTerminal(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).Return(nil, eris.New("dial tcp: connection refused"))

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop"})
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, int32(0), st.appends.Load())
}

func TestAddHop_WaitFailureAfterBroadcastAppends(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).
		Return(&fakeTx{hash: "0xtx", err: eris.New("receipt: connection reset")}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	res, err := p.AddHop(context.Background(), HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.ErrorIs(t, res.LedgerErr, ErrLedgerUnavailable)
	assert.Equal(t, int32(1), st.appends.Load())
}

func TestAddHop_ImageComparedAgainstManufacturerReference(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	mem := media.NewMemory()
	ctx := context.Background()

	reference := []byte("\xff\xd8\xff\xe0original")
	refURL, err := mem.Put(ctx, reference)
	require.NoError(t, err)
	require.NoError(t, st.CreateProduct(ctx, &model.ProductRecord{
		ProductID: "PROD-X", ProductName: "Mangoes", Manufacturer: "0xmaker", Status: model.StatusActive,
		ImageURL: refURL,
		Hops:     []model.Hop{{Role: model.RoleManufacturer, Actor: "0xmaker", Location: mumbai, Timestamp: t0}},
	}))

	current := []byte("\xff\xd8\xff\xe0current")
	va := new(mockAssessor)
	va.On("Assess", mock.Anything, mock.MatchedBy(func(r vision.Request) bool {
		return string(r.Reference) == string(reference) && string(r.Image) == string(current) && r.ProductName == "Mangoes"
	})).Return(model.VisionResult{IsDamaged: true, Reason: "label mismatch"}, false)
	ml.On("AddRetailerHop", mock.Anything, "PROD-X", pune).Return(&fakeTx{hash: "0xtx"}, nil)

	p := NewPipeline(ml, st, WithMedia(mem), WithVision(va), WithClock(fixedClock(t0+86400)), WithDeadlines(shortDeadlines))
	res, err := p.AddHop(ctx, HopRequest{ProductID: "PROD-X", Location: pune, Actor: "0xshop", Image: current})
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagDamagedInTransit}, res.Hop.Flags)
	assert.NotEmpty(t, res.Hop.ImageURL)
	assert.Equal(t, "label mismatch", res.Hop.VisionResult.Reason)
	va.AssertExpectations(t)
}

func TestAddHop_Validation(t *testing.T) {
	p := NewPipeline(new(mockLedger), newCountingStore())
	_, err := p.AddHop(context.Background(), HopRequest{Location: pune, Actor: "0xr"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = p.AddHop(context.Background(), HopRequest{ProductID: "P", Actor: "0xr"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCompleteProduct(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	ml.On("CompleteProduct", mock.Anything, "PROD-X").Return(&fakeTx{hash: "0xdone"}, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	res, err := p.CompleteProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.Equal(t, "0xdone", res.TxHash)
	assert.False(t, res.Degraded)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
}

func TestCompleteProduct_Timeout(t *testing.T) {
	ml := new(mockLedger)
	st := newCountingStore()
	seedRecord(t, st, "PROD-X")
	tx := &fakeTx{hash: "0xslow", release: make(chan struct{})}
	defer close(tx.release)
	ml.On("CompleteProduct", mock.Anything, "PROD-X").Return(tx, nil)

	p := NewPipeline(ml, st, WithDeadlines(shortDeadlines))
	_, err := p.CompleteProduct(context.Background(), "PROD-X")
	assert.ErrorIs(t, err, ErrMiningTimeout)

	rec, err := st.FindProduct(context.Background(), "PROD-X")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
}

func TestAuthorize(t *testing.T) {
	ml := new(mockLedger)
	ml.On("SetRetailer", mock.Anything, "0xshop", true).Return(&fakeTx{hash: "0xallow"}, nil)

	p := NewPipeline(ml, newCountingStore(), WithDeadlines(shortDeadlines))
	conf, err := p.Authorize(context.Background(), model.RoleRetailer, "0xshop", true)
	require.NoError(t, err)
	assert.Equal(t, "0xallow", conf.TxHash)
	ml.AssertNotCalled(t, "SetManufacturer", mock.Anything, mock.Anything, mock.Anything)

	_, err = p.Authorize(context.Background(), "Auditor", "0x1", true)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMergeFlags(t *testing.T) {
	assert.Equal(t, []string{}, mergeFlags())
	assert.Equal(t, []string{"A", "B", "C"}, mergeFlags([]string{"A", "B"}, nil, []string{"B", "", "C", "A"}))
}

func TestNewProductID(t *testing.T) {
	id := NewProductID(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, strings.HasPrefix(id, "PROD-2026-"))
	assert.Len(t, strings.TrimPrefix(id, "PROD-2026-"), 12)
	assert.NotEqual(t, id, NewProductID(time.Now()))
}
