package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/analytics"
	"github.com/sells-group/custody-trace/internal/config"
	"github.com/sells-group/custody-trace/internal/custody"
	"github.com/sells-group/custody-trace/internal/identity"
	"github.com/sells-group/custody-trace/internal/ledger"
	"github.com/sells-group/custody-trace/internal/media"
	"github.com/sells-group/custody-trace/internal/metrics"
	"github.com/sells-group/custody-trace/internal/resilience"
	"github.com/sells-group/custody-trace/internal/store"
	"github.com/sells-group/custody-trace/internal/vision"
	"github.com/sells-group/custody-trace/pkg/anthropic"
)

// appEnv holds the wired services used by the product, analytics and serve commands.
type appEnv struct {
	Store      store.Store
	Ledger     ledger.Ledger // nil when the ledger is not configured
	Media      *media.Local
	Pipeline   *custody.Pipeline
	Reconciler *custody.Reconciler
	Directory  *identity.Directory
	Analytics  *analytics.Service

	closeLedger func()
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.closeLedger != nil {
		e.closeLedger()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and ledger, builds the vision guard and wires the
// services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st}

	eth, err := initLedger(ctx, cfg.Ledger)
	if err != nil {
		env.Close()
		return nil, err
	}
	if eth != nil {
		env.Ledger = eth
		env.closeLedger = eth.Close
	}

	env.Media, err = media.NewLocal(cfg.Media.Dir, cfg.Media.BaseURL)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init media")
	}

	env.Directory = identity.NewDirectory(st)
	env.Pipeline = custody.NewPipeline(env.Ledger, st,
		custody.WithVision(initVision(cfg.Vision)),
		custody.WithMedia(env.Media),
		custody.WithDeadlines(custody.Deadlines{
			FirstHop: cfg.Commit.FirstHopDeadline(),
			LaterHop: cfg.Commit.LaterHopDeadline(),
		}),
	)
	env.Reconciler = custody.NewReconciler(env.Ledger, st, env.Directory)
	env.Analytics = analytics.NewService(st, env.Directory)

	return env, nil
}

// initStore opens the configured backend.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	opts := store.Options{
		Driver:      sc.Driver,
		DatabaseURL: sc.DatabaseURL,
		Database:    sc.Database,
	}
	if sc.MaxConns > 0 || sc.MinConns > 0 {
		opts.Pool = &store.PoolConfig{MaxConns: sc.MaxConns, MinConns: sc.MinConns}
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", sc.Driver)
	}
	return st, nil
}

// initLedger dials the contract. It returns nil, nil when the ledger is not
// configured so read-only commands still work.
func initLedger(ctx context.Context, lc config.LedgerConfig) (*ledger.Ethereum, error) {
	if !lc.Configured() {
		zap.L().Warn("ledger not configured; commits will be refused")
		return nil, nil
	}
	eth, err := ledger.NewEthereum(ctx, ledger.EthereumConfig{
		RPCURL:          lc.RPCURL,
		ContractAddress: lc.ContractAddress,
		PrivateKey:      lc.PrivateKey,
		ChainID:         lc.ChainID,
		PollInterval:    lc.PollInterval(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init ledger")
	}
	return eth, nil
}

// initVision returns the damage classifier guard. Without an API key the
// guard always falls back.
func initVision(vc config.VisionConfig) *vision.Guard {
	if vc.AnthropicKey == "" {
		return vision.NewGuard(nil)
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "anthropic",
		Threshold: vc.BreakerThreshold,
		Cooldown:  time.Duration(vc.BreakerResetSecs) * time.Second,
		Trips:     resilience.IsTransient,
		OnChange: func(name string, from, to resilience.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			zap.L().Warn("circuit breaker transition",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	client := anthropic.NewClient(vc.AnthropicKey, vc.BaseURL)
	return vision.NewGuard(vision.NewClaude(client, vision.ClaudeConfig{
		Model:     vc.Model,
		MaxTokens: vc.MaxTokens,
		RPS:       vc.RequestsPerSecond,
	}, breaker))
}
