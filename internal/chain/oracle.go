package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OracleWriter pushes hybrid price components to the on-chain pricing oracle.
// Both methods return the transaction hash so callers can record it against
// the oracle call audit trail.
type OracleWriter struct {
	tr     *Transactor
	addr   common.Address
	logger *slog.Logger
}

// NewOracleWriter creates an OracleWriter bound to the oracle contract.
func NewOracleWriter(tr *Transactor, oracleAddress string, logger *slog.Logger) (*OracleWriter, error) {
	addr, err := ParseAddress(oracleAddress)
	if err != nil {
		return nil, fmt.Errorf("chain: oracle address: %w", err)
	}
	return &OracleWriter{
		tr:     tr,
		addr:   addr,
		logger: logger.With("component", "oracle_writer"),
	}, nil
}

// WriteRaffleProbability submits the raffle-derived probability for a market.
func (o *OracleWriter) WriteRaffleProbability(ctx context.Context, marketAddress string, probabilityBps int) (string, error) {
	return o.write(ctx, "updateRaffleProbability", marketAddress, probabilityBps)
}

// WriteMarketSentiment submits the trade-derived sentiment for a market.
func (o *OracleWriter) WriteMarketSentiment(ctx context.Context, marketAddress string, sentimentBps int) (string, error) {
	return o.write(ctx, "updateMarketSentiment", marketAddress, sentimentBps)
}

func (o *OracleWriter) write(ctx context.Context, method, marketAddress string, valueBps int) (string, error) {
	mAddr, err := ParseAddress(marketAddress)
	if err != nil {
		return "", err
	}

	calldata, err := oracleABI.Pack(method, mAddr, big.NewInt(int64(valueBps)))
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}

	receipt, err := o.tr.Send(ctx, o.addr, calldata)
	if err != nil {
		return "", fmt.Errorf("chain: %s market=%s value=%d: %w", method, marketAddress, valueBps, err)
	}

	o.logger.Debug("oracle value written",
		"method", method,
		"market", marketAddress,
		"value_bps", valueBps,
		"tx", receipt.TxHash.Hex())
	return receipt.TxHash.Hex(), nil
}
