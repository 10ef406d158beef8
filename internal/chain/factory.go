package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// Factory drives the market factory contract through the three lifecycle
// steps: condition preparation, liquidity escrow, and market deployment. Each
// step is a separate method so the coordinator can resume a partially
// completed lifecycle at the first incomplete step.
type Factory struct {
	tr       *Transactor
	addr     common.Address
	token    common.Address
	treasury common.Address
	logger   *slog.Logger
}

// NewFactory creates a Factory bound to the factory, liquidity token, and
// treasury addresses.
func NewFactory(tr *Transactor, factoryAddress, tokenAddress, treasuryAddress string, logger *slog.Logger) (*Factory, error) {
	fAddr, err := ParseAddress(factoryAddress)
	if err != nil {
		return nil, fmt.Errorf("chain: factory address: %w", err)
	}
	tAddr, err := ParseAddress(tokenAddress)
	if err != nil {
		return nil, fmt.Errorf("chain: token address: %w", err)
	}
	trAddr, err := ParseAddress(treasuryAddress)
	if err != nil {
		return nil, fmt.Errorf("chain: treasury address: %w", err)
	}
	return &Factory{
		tr:       tr,
		addr:     fAddr,
		token:    tAddr,
		treasury: trAddr,
		logger:   logger.With("component", "factory"),
	}, nil
}

// PrepareCondition registers the (season, participant) condition on the
// factory and returns the resulting condition id as a 0x-prefixed hex string.
// The id is read back from the contract after the transaction mines, so a
// condition that already exists yields the same id.
func (f *Factory) PrepareCondition(ctx context.Context, seasonID uint64, participant string) (string, error) {
	pAddr, err := ParseAddress(participant)
	if err != nil {
		return "", err
	}

	calldata, err := factoryABI.Pack("prepareCondition", new(big.Int).SetUint64(seasonID), pAddr)
	if err != nil {
		return "", fmt.Errorf("chain: pack prepareCondition: %w", err)
	}

	receipt, err := f.tr.Send(ctx, f.addr, calldata)
	if err != nil {
		return "", fmt.Errorf("chain: prepareCondition season=%d participant=%s: %w", seasonID, participant, err)
	}

	f.logger.Info("condition prepared",
		"season_id", seasonID,
		"participant", participant,
		"tx", receipt.TxHash.Hex())

	return f.ConditionIDFor(ctx, seasonID, participant)
}

// ConditionIDFor reads the condition id derived by the factory for the pair.
// It returns domain.ErrNotFound when the contract reports the zero id, which
// means the condition was never prepared.
func (f *Factory) ConditionIDFor(ctx context.Context, seasonID uint64, participant string) (string, error) {
	pAddr, err := ParseAddress(participant)
	if err != nil {
		return "", err
	}

	calldata, err := factoryABI.Pack("conditionIdFor", new(big.Int).SetUint64(seasonID), pAddr)
	if err != nil {
		return "", fmt.Errorf("chain: pack conditionIdFor: %w", err)
	}

	out, err := f.tr.Call(ctx, f.addr, calldata)
	if err != nil {
		return "", err
	}

	id, err := unpackBytes32(factoryABI, "conditionIdFor", out)
	if err != nil {
		return "", err
	}
	if id == ([32]byte{}) {
		return "", domain.ErrNotFound
	}
	return common.BytesToHash(id[:]).Hex(), nil
}

// TreasuryBalance returns the liquidity token balance of the treasury
// account. The coordinator checks it before attempting an escrow.
func (f *Factory) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	calldata, err := tokenABI.Pack("balanceOf", f.treasury)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}

	out, err := f.tr.Call(ctx, f.token, calldata)
	if err != nil {
		return nil, err
	}
	return unpackBig(tokenABI, "balanceOf", out)
}

// EscrowLiquidity approves the factory to pull the seed amount of the
// liquidity token and escrows it against the condition. A stale non-zero
// allowance is reset to zero before approving the exact amount, since some
// token implementations reject approve-over-approve.
func (f *Factory) EscrowLiquidity(ctx context.Context, conditionID string, amount *big.Int) error {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return err
	}

	if err := f.ensureAllowance(ctx, amount); err != nil {
		return err
	}

	calldata, err := factoryABI.Pack("escrowLiquidity", cond, amount)
	if err != nil {
		return fmt.Errorf("chain: pack escrowLiquidity: %w", err)
	}

	receipt, err := f.tr.Send(ctx, f.addr, calldata)
	if err != nil {
		return fmt.Errorf("chain: escrowLiquidity condition=%s: %w", conditionID, err)
	}

	f.logger.Info("liquidity escrowed",
		"condition_id", conditionID,
		"amount", amount.String(),
		"tx", receipt.TxHash.Hex())
	return nil
}

// DeployMarket deploys the AMM market for a fully escrowed condition and
// returns the market contract address.
func (f *Factory) DeployMarket(ctx context.Context, conditionID string) (string, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return "", err
	}

	calldata, err := factoryABI.Pack("createMarket", cond)
	if err != nil {
		return "", fmt.Errorf("chain: pack createMarket: %w", err)
	}

	receipt, err := f.tr.Send(ctx, f.addr, calldata)
	if err != nil {
		return "", fmt.Errorf("chain: createMarket condition=%s: %w", conditionID, err)
	}

	addr, err := f.MarketFor(ctx, conditionID)
	if err != nil {
		return "", err
	}

	f.logger.Info("market deployed",
		"condition_id", conditionID,
		"market", addr,
		"tx", receipt.TxHash.Hex())
	return addr, nil
}

// MarketFor reads the deployed market address for a condition. It returns
// domain.ErrMarketNotCreated when the factory reports the zero address.
func (f *Factory) MarketFor(ctx context.Context, conditionID string) (string, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return "", err
	}

	calldata, err := factoryABI.Pack("marketFor", cond)
	if err != nil {
		return "", fmt.Errorf("chain: pack marketFor: %w", err)
	}

	out, err := f.tr.Call(ctx, f.addr, calldata)
	if err != nil {
		return "", err
	}

	addr, err := unpackAddress(factoryABI, "marketFor", out)
	if err != nil {
		return "", err
	}
	if addr == (common.Address{}) {
		return "", domain.ErrMarketNotCreated
	}
	return addr.Hex(), nil
}

// ensureAllowance makes sure the factory's allowance from the operator equals
// the requested amount, resetting to zero first when a different non-zero
// allowance is present.
func (f *Factory) ensureAllowance(ctx context.Context, amount *big.Int) error {
	calldata, err := tokenABI.Pack("allowance", f.tr.From(), f.addr)
	if err != nil {
		return fmt.Errorf("chain: pack allowance: %w", err)
	}

	out, err := f.tr.Call(ctx, f.token, calldata)
	if err != nil {
		return err
	}
	current, err := unpackBig(tokenABI, "allowance", out)
	if err != nil {
		return err
	}

	if current.Cmp(amount) == 0 {
		return nil
	}

	if current.Sign() != 0 {
		if err := f.approve(ctx, big.NewInt(0)); err != nil {
			return err
		}
	}
	return f.approve(ctx, amount)
}

func (f *Factory) approve(ctx context.Context, amount *big.Int) error {
	calldata, err := tokenABI.Pack("approve", f.addr, amount)
	if err != nil {
		return fmt.Errorf("chain: pack approve: %w", err)
	}
	if _, err := f.tr.Send(ctx, f.token, calldata); err != nil {
		return fmt.Errorf("chain: approve %s: %w", amount.String(), err)
	}
	return nil
}

func parseConditionID(conditionID string) ([32]byte, error) {
	h := common.HexToHash(conditionID)
	if h == (common.Hash{}) {
		return [32]byte{}, fmt.Errorf("chain: invalid condition id %q", conditionID)
	}
	return h, nil
}
