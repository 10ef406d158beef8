package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ABI fragments for the contracts the engine talks to. Only the
// functions and events actually called are declared.

const raffleABIJSON = `[
  {"type":"function","name":"participantPosition","stateMutability":"view","inputs":[{"name":"seasonId","type":"uint256"},{"name":"participant","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"seasonTotalTickets","stateMutability":"view","inputs":[{"name":"seasonId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"PositionChanged","anonymous":false,"inputs":[{"name":"seasonId","type":"uint256","indexed":true},{"name":"participant","type":"address","indexed":true},{"name":"ticketCount","type":"uint256","indexed":false},{"name":"totalTickets","type":"uint256","indexed":false}]}
]`

const factoryABIJSON = `[
  {"type":"function","name":"prepareCondition","stateMutability":"nonpayable","inputs":[{"name":"seasonId","type":"uint256"},{"name":"participant","type":"address"}],"outputs":[]},
  {"type":"function","name":"conditionIdFor","stateMutability":"view","inputs":[{"name":"seasonId","type":"uint256"},{"name":"participant","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"escrowLiquidity","stateMutability":"nonpayable","inputs":[{"name":"conditionId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"createMarket","stateMutability":"nonpayable","inputs":[{"name":"conditionId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"marketFor","stateMutability":"view","inputs":[{"name":"conditionId","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"MarketCreated","anonymous":false,"inputs":[{"name":"seasonId","type":"uint256","indexed":true},{"name":"participant","type":"address","indexed":true},{"name":"market","type":"address","indexed":false},{"name":"conditionId","type":"bytes32","indexed":false}]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const oracleABIJSON = `[
  {"type":"function","name":"updateRaffleProbability","stateMutability":"nonpayable","inputs":[{"name":"market","type":"address"},{"name":"probabilityBps","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateMarketSentiment","stateMutability":"nonpayable","inputs":[{"name":"market","type":"address"},{"name":"sentimentBps","type":"uint256"}],"outputs":[]}
]`

const marketABIJSON = `[
  {"type":"event","name":"TradeExecuted","anonymous":false,"inputs":[{"name":"trader","type":"address","indexed":true},{"name":"isBuy","type":"bool","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"sentimentBps","type":"uint256","indexed":false}]}
]`

var (
	raffleABI  = mustParseABI(raffleABIJSON)
	factoryABI = mustParseABI(factoryABIJSON)
	tokenABI   = mustParseABI(tokenABIJSON)
	oracleABI  = mustParseABI(oracleABIJSON)
	marketABI  = mustParseABI(marketABIJSON)

	positionChangedTopic = crypto.Keccak256Hash([]byte("PositionChanged(uint256,address,uint256,uint256)"))
	tradeExecutedTopic   = crypto.Keccak256Hash([]byte("TradeExecuted(address,bool,uint256,uint256)"))
	marketCreatedTopic   = crypto.Keccak256Hash([]byte("MarketCreated(uint256,address,address,bytes32)"))
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: bad embedded abi: " + err.Error())
	}
	return parsed
}

func unpackBig(a abi.ABI, method string, data []byte) (*big.Int, error) {
	vals, err := a.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: unpack %s: expected 1 value, got %d", method, len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unpack %s: unexpected type %T", method, vals[0])
	}
	return b, nil
}

func unpackUint64(a abi.ABI, method string, data []byte) (uint64, error) {
	b, err := unpackBig(a, method, data)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("chain: unpack %s: value %s overflows uint64", method, b)
	}
	return b.Uint64(), nil
}

func unpackAddress(a abi.ABI, method string, data []byte) (common.Address, error) {
	vals, err := a.Unpack(method, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("chain: unpack %s: expected 1 value, got %d", method, len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: unpack %s: unexpected type %T", method, vals[0])
	}
	return addr, nil
}

func unpackBytes32(a abi.ABI, method string, data []byte) ([32]byte, error) {
	vals, err := a.Unpack(method, data)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return [32]byte{}, fmt.Errorf("chain: unpack %s: expected 1 value, got %d", method, len(vals))
	}
	b, ok := vals[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("chain: unpack %s: unexpected type %T", method, vals[0])
	}
	return b, nil
}
