package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogSource fetches engine-relevant logs, either historically in chunked
// range queries or live over a websocket subscription. The topic filter
// matches all three consumed events; market contracts are deployed
// dynamically, so the query filters by topic rather than by address and
// ParseLog rejects anything that does not decode.
type LogSource struct {
	client *Client
	logger *slog.Logger
	chunk  uint64
}

// NewLogSource creates a LogSource. chunk bounds the block span of a single
// historical query; RPC providers commonly cap getLogs ranges.
func NewLogSource(client *Client, chunk uint64, logger *slog.Logger) *LogSource {
	if chunk == 0 {
		chunk = 2000
	}
	return &LogSource{
		client: client,
		logger: logger.With("component", "log_source"),
		chunk:  chunk,
	}
}

func (ls *LogSource) topics() [][]common.Hash {
	return [][]common.Hash{{
		positionChangedTopic,
		tradeExecutedTopic,
		marketCreatedTopic,
	}}
}

// FilterRange returns all matching logs in [from, to], issuing one getLogs
// call per chunk. Logs come back in chain order.
func (ls *LogSource) FilterRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}

	var all []types.Log
	for start := from; start <= to; start += ls.chunk {
		end := start + ls.chunk - 1
		if end > to {
			end = to
		}

		logs, err := ls.client.HTTP().FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Topics:    ls.topics(),
		})
		if err != nil {
			return nil, fmt.Errorf("chain: filter logs [%d,%d]: %w", start, end, err)
		}

		ls.logger.Debug("backfill chunk fetched",
			"from", start,
			"to", end,
			"logs", len(logs))
		all = append(all, logs...)
	}

	return all, nil
}

// Subscribe opens a live log subscription on the websocket connection and
// delivers matching logs to out. It returns the subscription so the caller
// can watch Err() and resubscribe on drops.
func (ls *LogSource) Subscribe(ctx context.Context, out chan<- types.Log) (ethereum.Subscription, error) {
	ws := ls.client.WS()
	if ws == nil {
		return nil, fmt.Errorf("chain: subscribe: no websocket connection configured")
	}

	sub, err := ws.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Topics: ls.topics(),
	}, out)
	if err != nil {
		return nil, fmt.Errorf("chain: subscribe logs: %w", err)
	}
	return sub, nil
}
