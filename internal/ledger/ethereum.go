package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/model"
)

// EthereumConfig holds connection and signing settings for the Ethereum adapter.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	PollInterval    time.Duration
}

// backend is the subset of *ethclient.Client the adapter uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ethereum implements Ledger against a deployed ProductTraceability contract.
// All writes are signed by a single relayer key, so the ledger's actor for a
// hop is the relayer rather than the requesting party.
type Ethereum struct {
	backend      backend
	closeFn      func()
	contract     common.Address
	abi          abi.ABI
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration

	// mu serializes nonce assignment across concurrent submissions.
	mu sync.Mutex
}

// NewEthereum dials the RPC endpoint and prepares the contract binding.
// It returns ErrUnconfigured when any of endpoint, contract or key is missing.
func NewEthereum(ctx context.Context, cfg EthereumConfig) (*Ethereum, error) {
	if cfg.RPCURL == "" || cfg.ContractAddress == "" || cfg.PrivateKey == "" {
		return nil, ErrUnconfigured
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, eris.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse private key")
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: dial rpc")
	}

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	} else {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, eris.Wrap(err, "ledger: fetch chain id")
		}
	}

	e, err := newEthereum(client, common.HexToAddress(cfg.ContractAddress), key, chainID, cfg.PollInterval)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.closeFn = client.Close

	zap.L().Info("ledger: connected",
		zap.String("contract", e.contract.Hex()),
		zap.String("relayer", e.from.Hex()),
		zap.String("chain_id", chainID.String()),
	)
	return e, nil
}

func newEthereum(b backend, contract common.Address, key *ecdsa.PrivateKey, chainID *big.Int, poll time.Duration) (*Ethereum, error) {
	parsed, err := parseContractABI()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse abi")
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Ethereum{
		backend:      b,
		contract:     contract,
		abi:          parsed,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		pollInterval: poll,
	}, nil
}

// Relayer returns the address that signs every transaction.
func (e *Ethereum) Relayer() string {
	return e.from.Hex()
}

// Close releases the RPC connection.
func (e *Ethereum) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

func (e *Ethereum) CreateProduct(ctx context.Context, productID, location string) (PendingTx, error) {
	return e.transact(ctx, "createProduct", productID, location)
}

func (e *Ethereum) AddRetailerHop(ctx context.Context, productID, location string) (PendingTx, error) {
	return e.transact(ctx, "addRetailerHop", productID, location)
}

func (e *Ethereum) CompleteProduct(ctx context.Context, productID string) (PendingTx, error) {
	return e.transact(ctx, "completeProduct", productID)
}

func (e *Ethereum) SetManufacturer(ctx context.Context, address string, allowed bool) (PendingTx, error) {
	if !common.IsHexAddress(address) {
		return nil, eris.Errorf("ledger: invalid address %q", address)
	}
	return e.transact(ctx, "setManufacturer", common.HexToAddress(address), allowed)
}

func (e *Ethereum) SetRetailer(ctx context.Context, address string, allowed bool) (PendingTx, error) {
	if !common.IsHexAddress(address) {
		return nil, eris.Errorf("ledger: invalid address %q", address)
	}
	return e.transact(ctx, "setRetailer", common.HexToAddress(address), allowed)
}

// transact signs and broadcasts a contract call. It returns as soon as the
// node accepts the transaction; inclusion is observed through PendingTx.Wait.
func (e *Ethereum) transact(ctx context.Context, method string, args ...any) (PendingTx, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: pack %s", method)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: pending nonce")
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: suggest gas price")
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     e.from,
		To:       &e.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, classifySubmitErr(method, "estimate gas", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &e.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: sign %s", method)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classifySubmitErr(method, "send", err)
	}

	zap.L().Debug("ledger: transaction sent",
		zap.String("method", method),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return &ethPendingTx{backend: e.backend, hash: signed.Hash(), poll: e.pollInterval}, nil
}

// GetProduct reads a product and its hop history from the contract.
func (e *Ethereum) GetProduct(ctx context.Context, productID string) (*model.LedgerProduct, error) {
	data, err := e.abi.Pack("getProduct", productID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: pack getProduct")
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.from, To: &e.contract, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return nil, eris.Wrapf(ErrProductNotFound, "ledger: get %s: %v", productID, err)
		}
		return nil, eris.Wrap(err, "ledger: call getProduct")
	}
	return e.decodeProduct(productID, out)
}

func (e *Ethereum) decodeProduct(productID string, out []byte) (p *model.LedgerProduct, err error) {
	vals, err := e.abi.Unpack("getProduct", out)
	if err != nil {
		return nil, eris.Wrapf(ErrProductNotFound, "ledger: decode %s: %v", productID, err)
	}
	if len(vals) != 3 {
		return nil, eris.Wrapf(ErrProductNotFound, "ledger: decode %s: %d return values", productID, len(vals))
	}

	id, _ := vals[0].(string)
	if id == "" {
		return nil, eris.Wrapf(ErrProductNotFound, "ledger: decode %s: empty id", productID)
	}
	manufacturer, _ := vals[1].(common.Address)

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, eris.Wrapf(ErrProductNotFound, "ledger: decode %s history: %v", productID, r)
		}
	}()
	history := *abi.ConvertType(vals[2], new([]hopTuple)).(*[]hopTuple)

	p = &model.LedgerProduct{
		ProductID:    id,
		Manufacturer: manufacturer.Hex(),
		Hops:         make([]model.LedgerHop, len(history)),
	}
	for i, h := range history {
		var ts int64
		if h.Timestamp != nil {
			ts = h.Timestamp.Int64()
		}
		p.Hops[i] = model.LedgerHop{
			Role:      model.RoleFromLedger(h.Role),
			Actor:     h.Actor.Hex(),
			Location:  h.Location,
			Timestamp: ts,
		}
	}
	return p, nil
}

// ethPendingTx polls for a receipt until the transaction is mined.
type ethPendingTx struct {
	backend backend
	hash    common.Hash
	poll    time.Duration
}

func (p *ethPendingTx) Hash() string {
	return p.hash.Hex()
}

func (p *ethPendingTx) Wait(ctx context.Context) (*Confirmation, error) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, eris.Wrapf(ErrRejected, "ledger: tx %s reverted", p.hash.Hex())
			}
			c := &Confirmation{TxHash: p.hash.Hex()}
			if receipt.BlockNumber != nil {
				c.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return c, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			zap.L().Debug("ledger: receipt poll failed", zap.String("tx_hash", p.hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func classifySubmitErr(method, step string, err error) error {
	if isRevert(err) {
		return eris.Wrapf(ErrRejected, "ledger: %s %s: %v", step, method, err)
	}
	return eris.Wrapf(err, "ledger: %s %s", step, method)
}
