package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// receiptPollInterval is how often a pending transaction is polled for its
// receipt while waiting for it to be mined.
const receiptPollInterval = 2 * time.Second

// Transactor signs and submits state-changing calls with the operator key and
// waits for them to be mined. It manages the operator nonce locally so that
// sequential calls from multiple goroutines do not race each other at the RPC
// layer.
type Transactor struct {
	eth     ethBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *slog.Logger

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool
}

// ethBackend is the slice of ethclient.Client the Transactor depends on.
type ethBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NewTransactor creates a Transactor for the given operator key and chain.
func NewTransactor(eth ethBackend, key *ecdsa.PrivateKey, chainID uint64, logger *slog.Logger) *Transactor {
	return &Transactor{
		eth:     eth,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).SetUint64(chainID),
		logger:  logger.With("component", "transactor"),
	}
}

// From returns the operator address transactions are sent from.
func (t *Transactor) From() common.Address {
	return t.from
}

// Call executes a read-only contract call and returns the raw return data.
func (t *Transactor) Call(ctx context.Context, to common.Address, calldata []byte) ([]byte, error) {
	out, err := t.eth.CallContract(ctx, ethereum.CallMsg{
		From: t.from,
		To:   &to,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// Send signs, submits, and waits for a state-changing call. It returns the
// mined receipt, or an error if gas estimation fails (which surfaces contract
// reverts before spending gas), submission fails, or the transaction reverts
// on chain.
func (t *Transactor) Send(ctx context.Context, to common.Address, calldata []byte) (*types.Receipt, error) {
	tx, err := t.submit(ctx, to, calldata)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("transaction submitted",
		"tx", tx.Hash().Hex(),
		"to", to.Hex(),
		"nonce", tx.Nonce())

	receipt, err := t.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("chain: transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

// submit builds, signs, and sends the transaction under the nonce lock.
func (t *Transactor) submit(ctx context.Context, to common.Address, calldata []byte) (*types.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.nonceInit {
		n, err := t.eth.PendingNonceAt(ctx, t.from)
		if err != nil {
			return nil, fmt.Errorf("chain: pending nonce: %w", err)
		}
		t.nonce = n
		t.nonceInit = true
	}

	gasLimit, err := t.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: t.from,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		// Estimation failures carry the revert reason for bad calls.
		return nil, fmt.Errorf("chain: estimate gas for %s: %w", to.Hex(), err)
	}

	tipCap, err := t.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest tip cap: %w", err)
	}
	head, err := t.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: head header: %w", err)
	}

	// feeCap = 2*baseFee + tip, the usual headroom for base fee drift.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tipCap,
	)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     t.nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := t.eth.SendTransaction(ctx, signed); err != nil {
		// Resync the nonce on the next send; the RPC node may have rejected
		// this one for a nonce gap.
		t.nonceInit = false
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}

	t.nonce++
	return signed, nil
}

// waitMined polls for the transaction receipt until it appears or the context
// is cancelled.
func (t *Transactor) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			t.logger.Debug("receipt poll error", "tx", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
