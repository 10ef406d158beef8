package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// ErrUnknownEvent is returned by ParseLog for logs whose topic does not match
// any event the engine consumes.
var ErrUnknownEvent = errors.New("chain: unknown event")

// ParseLog decodes a raw ledger log into one of the domain event types:
// domain.PositionChangedEvent, domain.TradeExecutedEvent, or
// domain.MarketCreatedEvent. Logs with no topics or an unrecognized topic
// yield ErrUnknownEvent.
func ParseLog(log types.Log) (interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	switch log.Topics[0] {
	case positionChangedTopic:
		return parsePositionChanged(log)
	case tradeExecutedTopic:
		return parseTradeExecuted(log)
	case marketCreatedTopic:
		return parseMarketCreated(log)
	default:
		return nil, ErrUnknownEvent
	}
}

func parsePositionChanged(log types.Log) (domain.PositionChangedEvent, error) {
	var ev domain.PositionChangedEvent
	if len(log.Topics) != 3 {
		return ev, fmt.Errorf("chain: PositionChanged: expected 3 topics, got %d", len(log.Topics))
	}

	seasonID := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !seasonID.IsUint64() {
		return ev, fmt.Errorf("chain: PositionChanged: season id %s overflows uint64", seasonID)
	}

	vals, err := raffleABI.Events["PositionChanged"].Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		return ev, fmt.Errorf("chain: PositionChanged: unpack data: %w", err)
	}
	if len(vals) != 2 {
		return ev, fmt.Errorf("chain: PositionChanged: expected 2 data values, got %d", len(vals))
	}

	ticketCount, err := bigToUint64(vals[0], "ticketCount")
	if err != nil {
		return ev, fmt.Errorf("chain: PositionChanged: %w", err)
	}
	totalTickets, err := bigToUint64(vals[1], "totalTickets")
	if err != nil {
		return ev, fmt.Errorf("chain: PositionChanged: %w", err)
	}

	return domain.PositionChangedEvent{
		SeasonID:        seasonID.Uint64(),
		Participant:     topicAddress(log.Topics[2]).Hex(),
		NewTicketCount:  ticketCount,
		NewTotalTickets: totalTickets,
		BlockNumber:     log.BlockNumber,
		LogIndex:        log.Index,
		TxHash:          log.TxHash.Hex(),
	}, nil
}

func parseTradeExecuted(log types.Log) (domain.TradeExecutedEvent, error) {
	var ev domain.TradeExecutedEvent
	if len(log.Topics) != 2 {
		return ev, fmt.Errorf("chain: TradeExecuted: expected 2 topics, got %d", len(log.Topics))
	}

	vals, err := marketABI.Events["TradeExecuted"].Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		return ev, fmt.Errorf("chain: TradeExecuted: unpack data: %w", err)
	}
	if len(vals) != 3 {
		return ev, fmt.Errorf("chain: TradeExecuted: expected 3 data values, got %d", len(vals))
	}

	isBuy, ok := vals[0].(bool)
	if !ok {
		return ev, fmt.Errorf("chain: TradeExecuted: isBuy has type %T", vals[0])
	}
	amount, err := bigToUint64(vals[1], "amount")
	if err != nil {
		return ev, fmt.Errorf("chain: TradeExecuted: %w", err)
	}
	sentiment, err := bigToUint64(vals[2], "sentimentBps")
	if err != nil {
		return ev, fmt.Errorf("chain: TradeExecuted: %w", err)
	}

	return domain.TradeExecutedEvent{
		// The emitting contract is the market itself.
		MarketAddress: log.Address.Hex(),
		Trader:        topicAddress(log.Topics[1]).Hex(),
		IsBuy:         isBuy,
		Amount:        amount,
		SentimentBps:  int(sentiment),
		BlockNumber:   log.BlockNumber,
		LogIndex:      log.Index,
		TxHash:        log.TxHash.Hex(),
	}, nil
}

func parseMarketCreated(log types.Log) (domain.MarketCreatedEvent, error) {
	var ev domain.MarketCreatedEvent
	if len(log.Topics) != 3 {
		return ev, fmt.Errorf("chain: MarketCreated: expected 3 topics, got %d", len(log.Topics))
	}

	seasonID := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !seasonID.IsUint64() {
		return ev, fmt.Errorf("chain: MarketCreated: season id %s overflows uint64", seasonID)
	}

	vals, err := factoryABI.Events["MarketCreated"].Inputs.NonIndexed().UnpackValues(log.Data)
	if err != nil {
		return ev, fmt.Errorf("chain: MarketCreated: unpack data: %w", err)
	}
	if len(vals) != 2 {
		return ev, fmt.Errorf("chain: MarketCreated: expected 2 data values, got %d", len(vals))
	}

	market, ok := vals[0].(common.Address)
	if !ok {
		return ev, fmt.Errorf("chain: MarketCreated: market has type %T", vals[0])
	}
	condition, ok := vals[1].([32]byte)
	if !ok {
		return ev, fmt.Errorf("chain: MarketCreated: conditionId has type %T", vals[1])
	}

	return domain.MarketCreatedEvent{
		SeasonID:      seasonID.Uint64(),
		Participant:   topicAddress(log.Topics[2]).Hex(),
		MarketAddress: market.Hex(),
		ConditionID:   common.BytesToHash(condition[:]).Hex(),
		BlockNumber:   log.BlockNumber,
		LogIndex:      log.Index,
		TxHash:        log.TxHash.Hex(),
	}, nil
}

// topicAddress extracts an address from an indexed topic, which left-pads the
// 20 address bytes to 32.
func topicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes()[12:])
}

func bigToUint64(v interface{}, name string) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s has type %T", name, v)
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%s value %s overflows uint64", name, b)
	}
	return b.Uint64(), nil
}
