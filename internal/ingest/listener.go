package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rafflefi/infofi-engine/internal/chain"
)

// resubscribeDelay is the pause before reopening a dropped live subscription.
const resubscribeDelay = 5 * time.Second

// LogSource is the chain surface the listener reads from.
type LogSource interface {
	FilterRange(ctx context.Context, from, to uint64) ([]types.Log, error)
	Subscribe(ctx context.Context, out chan<- types.Log) (ethereum.Subscription, error)
}

// HeadReader reports the current chain head.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Listener feeds ledger logs into the dispatcher. Startup runs a bounded
// historical backfill so events missed during downtime are replayed; the
// engine's sequence guard makes replaying already-applied events harmless.
type Listener struct {
	source         LogSource
	head           HeadReader
	dispatcher     *Dispatcher
	backfillBlocks uint64
	resubDelay     time.Duration
	logger         *slog.Logger
}

// NewListener creates a Listener. backfillBlocks is how far behind the head
// the startup backfill begins.
func NewListener(source LogSource, head HeadReader, dispatcher *Dispatcher, backfillBlocks uint64, logger *slog.Logger) *Listener {
	return &Listener{
		source:         source,
		head:           head,
		dispatcher:     dispatcher,
		backfillBlocks: backfillBlocks,
		resubDelay:     resubscribeDelay,
		logger:         logger.With("component", "listener"),
	}
}

// Backfill replays historical logs from backfillBlocks behind the head up to
// the head, in chain order. It returns the head block it caught up to.
func (l *Listener) Backfill(ctx context.Context) (uint64, error) {
	head, err := l.head.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: head block: %w", err)
	}

	from := uint64(0)
	if head > l.backfillBlocks {
		from = head - l.backfillBlocks
	}

	l.logger.Info("backfill starting", "from", from, "to", head)

	logs, err := l.source.FilterRange(ctx, from, head)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, lg := range logs {
		if l.deliver(ctx, lg) {
			dispatched++
		}
		if ctx.Err() != nil {
			return head, ctx.Err()
		}
	}

	l.logger.Info("backfill complete",
		"logs", len(logs),
		"dispatched", dispatched)
	return head, nil
}

// Run backfills and then follows the live subscription until the context is
// cancelled. After a subscription drop the blocks missed during the outage
// are re-filtered before resubscribing, so mid-run gaps heal without a
// restart; the engine's sequence guard absorbs any overlap.
func (l *Listener) Run(ctx context.Context) error {
	last, err := l.Backfill(ctx)
	if err != nil {
		return err
	}

	for {
		if err := l.followOnce(ctx, &last); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("live subscription dropped, resubscribing",
				"error", err,
				"delay", l.resubDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.resubDelay):
		}

		if err := l.fillGap(ctx, &last); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("gap refill failed", "error", err)
		}
	}
}

// followOnce opens one subscription and consumes it until it errors or the
// context is cancelled, recording the highest block seen in last.
func (l *Listener) followOnce(ctx context.Context, last *uint64) error {
	ch := make(chan types.Log, 256)
	sub, err := l.source.Subscribe(ctx, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	l.logger.Info("live subscription established")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-ch:
			if lg.BlockNumber > *last {
				*last = lg.BlockNumber
			}
			l.deliver(ctx, lg)
		}
	}
}

// fillGap replays logs from the block after the last delivered one up to the
// current head. A no-op when nothing was missed.
func (l *Listener) fillGap(ctx context.Context, last *uint64) error {
	head, err := l.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ingest: head block: %w", err)
	}
	if head <= *last {
		return nil
	}

	logs, err := l.source.FilterRange(ctx, *last+1, head)
	if err != nil {
		return err
	}
	for _, lg := range logs {
		l.deliver(ctx, lg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	l.logger.Info("gap refilled", "from", *last+1, "to", head, "logs", len(logs))
	*last = head
	return nil
}

// deliver parses and dispatches one log, reporting whether it was dispatched.
// Unknown topics are expected (the query filters by topic across all
// contracts) and skipped silently; malformed payloads for known topics are
// logged.
func (l *Listener) deliver(ctx context.Context, lg types.Log) bool {
	ev, err := chain.ParseLog(lg)
	if err != nil {
		if !errors.Is(err, chain.ErrUnknownEvent) {
			l.logger.Warn("unparseable log skipped",
				"block", lg.BlockNumber,
				"index", lg.Index,
				"tx", lg.TxHash.Hex(),
				"error", err)
		}
		return false
	}

	if err := l.dispatcher.Dispatch(ctx, ev); err != nil {
		l.logger.Warn("dispatch failed", "error", err)
		return false
	}
	return true
}
