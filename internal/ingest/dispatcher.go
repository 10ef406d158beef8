// Package ingest moves ledger events into the engine: historical backfill on
// startup, a live subscription afterwards, and a sharded dispatcher that
// preserves per-season ordering while spreading load across workers.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// Handler is the engine surface events are delivered to.
type Handler interface {
	HandlePositionChange(ctx context.Context, ev domain.PositionChangedEvent) error
	HandleTrade(ctx context.Context, ev domain.TradeExecutedEvent) error
	HandleMarketCreated(ctx context.Context, ev domain.MarketCreatedEvent) error
}

// Dispatcher fans events out to a fixed set of workers, each owning a bounded
// queue. Events for the same season always land on the same worker, so
// position changes within a season are applied in arrival order; trades
// shard by market address instead since they carry no season.
type Dispatcher struct {
	handler Handler
	queues  []chan interface{}
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given worker and per-queue
// sizes.
func NewDispatcher(handler Handler, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	queues := make([]chan interface{}, workers)
	for i := range queues {
		queues[i] = make(chan interface{}, queueSize)
	}
	return &Dispatcher{
		handler: handler,
		queues:  queues,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch routes one parsed event to its shard, blocking when the shard's
// queue is full so backpressure reaches the log reader.
func (d *Dispatcher) Dispatch(ctx context.Context, ev interface{}) error {
	queue := d.queues[d.shard(ev)]
	select {
	case queue <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: dispatch: %w", ctx.Err())
	}
}

// Run starts one worker per queue and blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.queues {
		queue := d.queues[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-queue:
					d.handle(ctx, ev)
				}
			}
		})
	}
	return g.Wait()
}

// handle delivers one event. A handler error is logged and the worker moves
// on; one poisoned event must not stall the shard.
func (d *Dispatcher) handle(ctx context.Context, ev interface{}) {
	var err error
	switch e := ev.(type) {
	case domain.PositionChangedEvent:
		err = d.handler.HandlePositionChange(ctx, e)
	case domain.TradeExecutedEvent:
		err = d.handler.HandleTrade(ctx, e)
	case domain.MarketCreatedEvent:
		err = d.handler.HandleMarketCreated(ctx, e)
	default:
		d.logger.Warn("unknown event type dropped", "type", fmt.Sprintf("%T", ev))
		return
	}
	if err != nil {
		d.logger.Error("event handling failed",
			"type", fmt.Sprintf("%T", ev),
			"error", err)
	}
}

func (d *Dispatcher) shard(ev interface{}) int {
	n := uint64(len(d.queues))
	switch e := ev.(type) {
	case domain.PositionChangedEvent:
		return int(e.SeasonID % n)
	case domain.MarketCreatedEvent:
		return int(e.SeasonID % n)
	case domain.TradeExecutedEvent:
		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.ToLower(e.MarketAddress)))
		return int(h.Sum64() % n)
	default:
		return 0
	}
}
