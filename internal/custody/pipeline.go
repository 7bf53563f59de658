// Package custody implements the write path (hop commits) and the read path
// (reconciliation) over the ledger and the attribution store.
package custody

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/fraud"
	"github.com/sells-group/custody-trace/internal/ledger"
	"github.com/sells-group/custody-trace/internal/media"
	"github.com/sells-group/custody-trace/internal/metrics"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
	"github.com/sells-group/custody-trace/internal/vision"
)

// Deadlines bound the confirmation wait per hop kind.
type Deadlines struct {
	FirstHop time.Duration
	LaterHop time.Duration
}

// DefaultDeadlines are 30s for the manufacturer hop and 15s afterwards.
func DefaultDeadlines() Deadlines {
	return Deadlines{FirstHop: 30 * time.Second, LaterHop: 15 * time.Second}
}

// Assessor classifies hop images without failing.
type Assessor interface {
	Assess(ctx context.Context, req vision.Request) (model.VisionResult, bool)
}

// Pipeline commits custody hops: ledger first, then the attribution store.
type Pipeline struct {
	ledger    ledger.Ledger
	store     store.AttributionStore
	vision    Assessor
	media     media.Store
	deadlines Deadlines
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithVision(a Assessor) Option { return func(p *Pipeline) { p.vision = a } }

func WithMedia(m media.Store) Option { return func(p *Pipeline) { p.media = m } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithDeadlines overrides the confirmation deadlines; zero fields keep the default.
func WithDeadlines(d Deadlines) Option {
	return func(p *Pipeline) {
		if d.FirstHop > 0 {
			p.deadlines.FirstHop = d.FirstHop
		}
		if d.LaterHop > 0 {
			p.deadlines.LaterHop = d.LaterHop
		}
	}
}

// NewPipeline builds a Pipeline. A nil ledger makes every commit fail with
// ErrLedgerUnconfigured.
func NewPipeline(l ledger.Ledger, s store.AttributionStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:    l,
		store:     s,
		vision:    vision.NewGuard(nil),
		deadlines: DefaultDeadlines(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateRequest mints a product with its manufacturer hop.
type CreateRequest struct {
	ProductID   string // generated when empty
	ProductName string
	Location    string
	Actor       string // requesting manufacturer identity
	Image       []byte
	Flags       []string
}

// HopRequest appends a retailer hop.
type HopRequest struct {
	ProductID string
	Location  string
	Actor     string // requesting retailer identity
	Image     []byte
	Flags     []string
}

// CommitResult describes a hop commit that was accepted by the pipeline.
//
// Confirmed is false only for later hops whose confirmation did not arrive in
// time; LedgerErr then holds the reason and the store append went ahead.
// Degraded means the ledger part succeeded but the store mutation did not;
// StoreErr holds the cause.
type CommitResult struct {
	ProductID string    `json:"product_id"`
	TxHash    string    `json:"tx_hash"`
	Hop       model.Hop `json:"hop"`
	Confirmed bool      `json:"confirmed"`
	Degraded  bool      `json:"degraded"`
	LedgerErr error     `json:"-"`
	StoreErr  error     `json:"-"`
}

type hopKind string

const (
	firstHop hopKind = "first"
	laterHop hopKind = "later"
)

// CreateProduct commits the manufacturer hop. The store record is written
// only after the ledger confirms within the first-hop deadline.
func (p *Pipeline) CreateProduct(ctx context.Context, req CreateRequest) (*CommitResult, error) {
	if err := requireFields(req.Location, req.Actor); err != nil {
		return nil, err
	}
	if p.ledger == nil {
		return nil, eris.Wrap(ErrLedgerUnconfigured, "custody: create product")
	}

	now := p.now()
	if req.ProductID == "" {
		req.ProductID = NewProductID(now)
	}
	log := zap.L().With(zap.String("product_id", req.ProductID), zap.String("kind", string(firstHop)))

	hop := model.Hop{
		Role:      model.RoleManufacturer,
		Actor:     req.Actor,
		Location:  req.Location,
		Timestamp: now.Unix(),
		Flags:     mergeFlags(req.Flags),
	}
	if strings.TrimSpace(req.ProductName) == "" {
		req.ProductName = model.UnnamedProduct
	}
	p.assessImage(ctx, &hop, req.Image, req.ProductName, nil)

	tx, err := p.ledger.CreateProduct(ctx, req.ProductID, req.Location)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(string(firstHop), "rejected").Inc()
		return nil, classifyLedger(err, "create product "+req.ProductID)
	}
	log.Info("custody: create submitted", zap.String("tx", tx.Hash()))

	conf, err := p.await(ctx, firstHop, tx)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(string(firstHop), outcomeOf(err)).Inc()
		log.Warn("custody: create not confirmed, store untouched", zap.String("tx", tx.Hash()), zap.Error(err))
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	p.storeImage(ctx, &hop, req.Image)

	rec := &model.ProductRecord{
		ProductID:    req.ProductID,
		ProductName:  req.ProductName,
		Manufacturer: req.Actor,
		Status:       model.StatusActive,
		ImageURL:     hop.ImageURL,
		VisionResult: hop.VisionResult,
		Hops:         []model.Hop{hop},
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	res := &CommitResult{ProductID: req.ProductID, TxHash: conf.TxHash, Hop: hop, Confirmed: true}
	if err := p.store.CreateProduct(ctx, rec); err != nil {
		res.Degraded = true
		res.StoreErr = err
		log.Error("custody: ledger confirmed but store create failed", zap.String("tx", conf.TxHash), zap.Error(err))
	}
	p.record(firstHop, res)
	return res, nil
}

// AddHop commits a retailer hop. Once the transaction is broadcast the store
// append happens unless the receipt shows a revert, since the hop may yet be
// mined: a timeout, an unreachable node or a cancelled caller all proceed.
func (p *Pipeline) AddHop(ctx context.Context, req HopRequest) (*CommitResult, error) {
	if req.ProductID == "" {
		return nil, validation("custody: product id is required")
	}
	if err := requireFields(req.Location, req.Actor); err != nil {
		return nil, err
	}
	if p.ledger == nil {
		return nil, eris.Wrap(ErrLedgerUnconfigured, "custody: add hop")
	}
	log := zap.L().With(zap.String("product_id", req.ProductID), zap.String("kind", string(laterHop)))

	rec, err := p.store.FindProduct(ctx, req.ProductID)
	if err != nil {
		log.Warn("custody: store read failed, skipping fraud baseline", zap.Error(err))
		rec = nil
	}

	now := p.now()
	hop := model.Hop{
		Role:      model.RoleRetailer,
		Actor:     req.Actor,
		Location:  req.Location,
		Timestamp: now.Unix(),
	}
	hop.Flags = mergeFlags(req.Flags, fraud.Detect(rec.LastHop(), req.Location, hop.Timestamp))

	var productName string
	if rec != nil {
		productName = rec.ProductName
	}
	p.assessImage(ctx, &hop, req.Image, productName, rec)

	tx, err := p.ledger.AddRetailerHop(ctx, req.ProductID, req.Location)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues(string(laterHop), "rejected").Inc()
		return nil, classifyLedger(err, "add hop to "+req.ProductID)
	}
	log.Info("custody: hop submitted", zap.String("tx", tx.Hash()))

	res := &CommitResult{ProductID: req.ProductID, TxHash: tx.Hash(), Hop: hop, Confirmed: true}
	conf, err := p.await(ctx, laterHop, tx)
	switch {
	case err == nil:
		res.TxHash = conf.TxHash
	case errors.Is(err, ErrLedgerRejected):
		metrics.CommitsTotal.WithLabelValues(string(laterHop), outcomeOf(err)).Inc()
		return nil, err
	default:
		// Broadcast but unconfirmed, or the caller went away: keep the attribution.
		res.Confirmed = false
		res.LedgerErr = err
		log.Warn("custody: hop unconfirmed, appending to store anyway", zap.String("tx", tx.Hash()), zap.Error(err))
	}

	// The transaction is out; the append must not depend on the caller staying.
	ctx = context.WithoutCancel(ctx)
	p.storeImage(ctx, &hop, req.Image)
	res.Hop = hop
	if err := p.store.AppendHop(ctx, req.ProductID, hop); err != nil {
		res.Degraded = true
		res.StoreErr = err
		log.Error("custody: store append failed", zap.String("tx", res.TxHash), zap.Error(err))
	}
	p.record(laterHop, res)
	return res, nil
}

// CompleteResult reports a completed product.
type CompleteResult struct {
	ProductID string `json:"product_id"`
	TxHash    string `json:"tx_hash"`
	Degraded  bool   `json:"degraded"`
	StoreErr  error  `json:"-"`
}

// CompleteProduct marks a product completed on the ledger, then in the store.
func (p *Pipeline) CompleteProduct(ctx context.Context, productID string) (*CompleteResult, error) {
	if productID == "" {
		return nil, validation("custody: product id is required")
	}
	if p.ledger == nil {
		return nil, eris.Wrap(ErrLedgerUnconfigured, "custody: complete product")
	}
	tx, err := p.ledger.CompleteProduct(ctx, productID)
	if err != nil {
		return nil, classifyLedger(err, "complete product "+productID)
	}
	conf, err := p.await(ctx, laterHop, tx)
	if err != nil {
		return nil, err
	}

	res := &CompleteResult{ProductID: productID, TxHash: conf.TxHash}
	if err := p.store.SetStatus(ctx, productID, model.StatusCompleted); err != nil {
		res.Degraded = true
		res.StoreErr = err
		zap.L().Error("custody: ledger completed but store status update failed",
			zap.String("product_id", productID), zap.Error(err))
	}
	return res, nil
}

// Authorize adds or removes address from the ledger allowlist for role.
func (p *Pipeline) Authorize(ctx context.Context, role model.Role, address string, allowed bool) (*ledger.Confirmation, error) {
	if address == "" {
		return nil, validation("custody: address is required")
	}
	if p.ledger == nil {
		return nil, eris.Wrap(ErrLedgerUnconfigured, "custody: authorize")
	}

	var (
		tx  ledger.PendingTx
		err error
	)
	switch role {
	case model.RoleManufacturer:
		tx, err = p.ledger.SetManufacturer(ctx, address, allowed)
	case model.RoleRetailer:
		tx, err = p.ledger.SetRetailer(ctx, address, allowed)
	default:
		return nil, validation("custody: unknown role %q", role)
	}
	if err != nil {
		return nil, classifyLedger(err, "authorize "+address)
	}
	return p.await(ctx, laterHop, tx)
}

// await races the confirmation against the deadline for kind. On timeout the
// waiter is abandoned; the transaction itself is left alone.
func (p *Pipeline) await(ctx context.Context, kind hopKind, tx ledger.PendingTx) (*ledger.Confirmation, error) {
	deadline := p.deadlines.LaterHop
	if kind == firstHop {
		deadline = p.deadlines.FirstHop
	}

	type outcome struct {
		conf *ledger.Confirmation
		err  error
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		conf, err := tx.Wait(waitCtx)
		done <- outcome{conf, err}
	}()

	start := time.Now()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	defer func() {
		metrics.ConfirmationSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, classifyLedger(o.err, "confirm "+tx.Hash())
		}
		return o.conf, nil
	case <-timer.C:
		return nil, eris.Wrapf(ErrMiningTimeout, "custody: tx %s not mined within %s", tx.Hash(), deadline)
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "custody: confirm %s", tx.Hash())
	}
}

// assessImage classifies the image and raises the role's damage flag on a
// damaged verdict. For retailer hops the manufacturer's image, when present,
// is used as the reference.
func (p *Pipeline) assessImage(ctx context.Context, hop *model.Hop, image []byte, productName string, rec *model.ProductRecord) {
	if len(image) == 0 {
		return
	}

	vreq := vision.Request{Image: image, ProductName: productName}
	if rec != nil && rec.ImageURL != "" && p.media != nil {
		if reference, err := p.media.Get(ctx, rec.ImageURL); err == nil {
			vreq.Reference = reference
		} else {
			zap.L().Debug("custody: reference image unavailable", zap.String("ref", rec.ImageURL), zap.Error(err))
		}
	}

	verdict, _ := p.vision.Assess(ctx, vreq)
	hop.VisionResult = &verdict
	if verdict.IsDamaged {
		hop.Flags = mergeFlags(hop.Flags, []string{model.DamageFlag(hop.Role)})
	}
}

// storeImage uploads the image once the hop is going to be recorded.
func (p *Pipeline) storeImage(ctx context.Context, hop *model.Hop, image []byte) {
	if len(image) == 0 || p.media == nil {
		return
	}
	ref, err := p.media.Put(ctx, image)
	if err != nil {
		zap.L().Warn("custody: store image failed", zap.Error(err))
		return
	}
	hop.ImageURL = ref
}

func (p *Pipeline) record(kind hopKind, res *CommitResult) {
	outcome := "confirmed"
	switch {
	case res.Degraded:
		outcome = "degraded"
	case !res.Confirmed:
		outcome = "proceeded"
	}
	metrics.CommitsTotal.WithLabelValues(string(kind), outcome).Inc()
	for _, f := range res.Hop.Flags {
		metrics.FlagsTotal.WithLabelValues(f).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrMiningTimeout):
		return "timeout"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	}
	return "failed"
}

func requireFields(location, actor string) error {
	if strings.TrimSpace(location) == "" {
		return validation("custody: location is required")
	}
	if actor == "" {
		return validation("custody: actor is required")
	}
	return nil
}

// mergeFlags unions flag lists, keeping first-seen order. The result is never nil.
func mergeFlags(lists ...[]string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, l := range lists {
		for _, f := range l {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
