package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/custody-trace/internal/config"
	"github.com/sells-group/custody-trace/internal/vision"
)

func TestInitStore_Memory(t *testing.T) {
	st, err := initStore(context.Background(), config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestInitStore_SQLiteWithPool(t *testing.T) {
	st, err := initStore(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: t.TempDir() + "/custody.db",
		MaxConns:    4,
	})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestInitStore_Unsupported(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestInitLedger_Unconfigured(t *testing.T) {
	eth, err := initLedger(context.Background(), config.LedgerConfig{RPCURL: "http://127.0.0.1:8545"})
	require.NoError(t, err)
	assert.Nil(t, eth)
}

func TestInitLedger_BadContractAddress(t *testing.T) {
	_, err := initLedger(context.Background(), config.LedgerConfig{
		RPCURL:          "http://127.0.0.1:8545",
		ContractAddress: "not-an-address",
		PrivateKey:      "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	assert.Error(t, err)
}

func TestInitVision_NoKeyFallsBack(t *testing.T) {
	g := initVision(config.VisionConfig{})
	res, fellBack := g.Assess(context.Background(), vision.Request{Image: []byte("x"), ProductName: "Damaged crate"})
	assert.True(t, fellBack)
	assert.True(t, res.IsDamaged)
}

func TestInitVision_WithKey(t *testing.T) {
	g := initVision(config.VisionConfig{
		AnthropicKey:     "sk-ant-test",
		BaseURL:          "http://127.0.0.1:1",
		BreakerThreshold: 1,
		BreakerResetSecs: 60,
	})
	require.NotNil(t, g)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "memory"}}

	_, err := initEnv(context.Background(), "write")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger")
}

func TestInitEnv_ReadMode(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Media: config.MediaConfig{Dir: t.TempDir(), BaseURL: "/uploads"},
	}

	env, err := initEnv(context.Background(), "read")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Ledger)
	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Reconciler)
	assert.NotNil(t, env.Analytics)
}
