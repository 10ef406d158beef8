package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// Config tunes the engine facade. ReadOnly disables everything that writes
// to the ledger (market creation, oracle writes); the price cache is then
// maintained directly from observed events instead.
type Config struct {
	CreationThresholdBps int
	SweepInterval        time.Duration
	ReadOnly             bool
	RaffleWeightBps      int
	SentimentWeightBps   int
}

// RaffleSource reads authoritative position state from the raffle contract.
// chain.RaffleReader is the production implementation.
type RaffleSource interface {
	ParticipantPosition(ctx context.Context, seasonID uint64, participant string) (uint64, error)
	SeasonTotalTickets(ctx context.Context, seasonID uint64) (uint64, error)
}

// Engine ties the position tracker, lifecycle coordinator, and oracle writer
// together behind the event-facing surface the ingest layer and the HTTP API
// call into.
type Engine struct {
	tracker   *PositionTracker
	coord     *Coordinator
	writer    *HybridOracleWriter
	raffle    RaffleSource
	positions domain.PositionStore
	records   domain.MarketRecordStore
	prices    domain.HybridPriceCache
	alerter   Alerter
	cfg       Config
	logger    *slog.Logger
}

// New assembles an Engine from its parts.
func New(
	tracker *PositionTracker,
	coord *Coordinator,
	writer *HybridOracleWriter,
	raffle RaffleSource,
	positions domain.PositionStore,
	records domain.MarketRecordStore,
	prices domain.HybridPriceCache,
	alerter Alerter,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		tracker:   tracker,
		coord:     coord,
		writer:    writer,
		raffle:    raffle,
		positions: positions,
		records:   records,
		prices:    prices,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
	}
}

// HandlePositionChange ingests a ticket movement end to end: position and
// probability bookkeeping, threshold-crossing market creation, and oracle
// repricing for already-created markets. Stale events are dropped silently;
// an invariant violation is alerted and the event is skipped.
func (e *Engine) HandlePositionChange(ctx context.Context, ev domain.PositionChangedEvent) error {
	batch, err := e.tracker.ApplyPositionChange(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrStaleSnapshot) {
			e.logger.Debug("stale position event dropped",
				"season_id", ev.SeasonID,
				"participant", ev.Participant,
				"seq", ev.Seq())
			return nil
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			e.logger.Error("position invariant violated", "error", err)
			e.alerter.Alert(ctx, "invariant_violation", err.Error())
			return err
		}
		return err
	}

	return e.applyChanges(ctx, batch.Changes)
}

// applyChanges walks a probability change set, creating markets for upward
// threshold crossings and queueing oracle updates for pairs whose market is
// already live.
func (e *Engine) applyChanges(ctx context.Context, changes []domain.ProbabilityChange) error {
	var firstErr error
	for _, ch := range changes {
		if !e.cfg.ReadOnly && CrossedCreationThreshold(ch.OldBps, ch.NewBps, e.cfg.CreationThresholdBps) {
			if err := e.coord.EnsureMarket(ctx, ch.SeasonID, ch.Participant, ch.NewBps); err != nil {
				// The failure is already recorded and alerted; other
				// participants in the batch still get processed.
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		rec, err := e.records.Get(ctx, ch.SeasonID, ch.Participant)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rec.Status == domain.MarketStatusCreated && rec.MarketAddress != nil {
			e.pushOracleValue(ctx, *rec.MarketAddress, domain.OracleFuncRaffle, ch.NewBps)
		}
	}
	return firstErr
}

// pushOracleValue routes a fresh price component either through the on-chain
// write queue or, in read-only mode, straight into the price cache.
func (e *Engine) pushOracleValue(ctx context.Context, marketAddress string, fn domain.OracleFunc, valueBps int) {
	if e.cfg.ReadOnly || e.writer == nil {
		price, err := foldHybridPrice(ctx, e.prices, marketAddress, fn, valueBps,
			e.cfg.RaffleWeightBps, e.cfg.SentimentWeightBps, time.Now())
		if err != nil {
			e.logger.Warn("update hybrid price", "market", marketAddress, "error", err)
			return
		}
		if err := e.prices.SetHybridPrice(ctx, price); err != nil {
			e.logger.Warn("cache hybrid price", "market", marketAddress, "error", err)
		}
		return
	}

	var err error
	switch fn {
	case domain.OracleFuncRaffle:
		err = e.writer.EnqueueRaffleProbability(marketAddress, valueBps)
	case domain.OracleFuncSentiment:
		err = e.writer.EnqueueSentiment(marketAddress, valueBps)
	}
	if err != nil {
		e.logger.Warn("enqueue oracle write", "function", string(fn), "error", err)
	}
}

// HandleTrade feeds a market trade's sentiment reading into the oracle write
// path. Logs from contracts the engine never created are ignored; the topic
// filter cannot distinguish them.
func (e *Engine) HandleTrade(ctx context.Context, ev domain.TradeExecutedEvent) error {
	if ev.SentimentBps < 0 || ev.SentimentBps > 10000 {
		e.logger.Warn("trade with out-of-range sentiment dropped",
			"market", ev.MarketAddress,
			"sentiment_bps", ev.SentimentBps)
		return nil
	}

	if _, err := e.records.GetByMarketAddress(ctx, ev.MarketAddress); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("engine: look up market %s: %w", ev.MarketAddress, err)
	}

	e.pushOracleValue(ctx, ev.MarketAddress, domain.OracleFuncSentiment, ev.SentimentBps)
	return nil
}

// HandleMarketCreated reconciles the lifecycle record against the on-chain
// confirmation and seeds the oracle with the probability that triggered the
// market.
func (e *Engine) HandleMarketCreated(ctx context.Context, ev domain.MarketCreatedEvent) error {
	rec, err := e.coord.Reconcile(ctx, ev)
	if err != nil {
		return err
	}

	if rec.LastProbabilityBps > 0 {
		e.pushOracleValue(ctx, ev.MarketAddress, domain.OracleFuncRaffle, rec.LastProbabilityBps)
	}
	return nil
}

// RetryFailedMarket re-runs the lifecycle for a failed pair. Exposed through
// the admin API.
func (e *Engine) RetryFailedMarket(ctx context.Context, seasonID uint64, participant string) error {
	if e.cfg.ReadOnly {
		return fmt.Errorf("engine: retries are disabled in read-only mode")
	}
	return e.coord.Retry(ctx, seasonID, participant)
}

// MarketStatusFor returns the lifecycle record for a pair.
func (e *Engine) MarketStatusFor(ctx context.Context, seasonID uint64, participant string) (domain.MarketRecord, error) {
	return e.records.Get(ctx, seasonID, participant)
}

// FailedMarkets lists lifecycle records currently in the failed state.
func (e *Engine) FailedMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	return e.records.ListByStatus(ctx, domain.MarketStatusFailed, opts)
}

// CurrentHybridPrice returns the cached blended price for a market.
func (e *Engine) CurrentHybridPrice(ctx context.Context, marketAddress string) (domain.HybridPrice, error) {
	return e.prices.GetHybridPrice(ctx, marketAddress)
}

// SeasonProbabilities returns the active positions of a season with their
// current derived probabilities.
func (e *Engine) SeasonProbabilities(ctx context.Context, seasonID uint64, offset, limit int) ([]domain.Position, error) {
	return e.positions.ListActive(ctx, seasonID, offset, limit)
}

// Run starts the oracle write workers and the periodic reprice sweep, and
// blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.writer != nil && !e.cfg.ReadOnly {
		g.Go(func() error { return e.writer.Run(ctx) })
	}
	g.Go(func() error { return e.sweepLoop(ctx) })
	return g.Wait()
}

// sweepLoop periodically finishes pending probability recomputation left
// behind by the per-event batch cap.
func (e *Engine) sweepLoop(ctx context.Context) error {
	if e.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.sweepOnce(ctx); err != nil {
				e.logger.Warn("sweep pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) error {
	seasons, err := e.tracker.store.ListSeasons(ctx)
	if err != nil {
		return fmt.Errorf("engine: list seasons: %w", err)
	}

	for _, season := range seasons {
		if season.SweepCursor == 0 {
			// Settled seasons are cross-checked against the contract; a
			// mid-lap mirror is legitimately behind and would false-alarm.
			if e.raffle != nil {
				e.verifyMirror(ctx, season)
			}
			continue
		}
		batch, err := e.tracker.SweepSeason(ctx, season.ID)
		if err != nil {
			e.logger.Warn("sweep season", "season_id", season.ID, "error", err)
			continue
		}
		if batch == nil {
			continue
		}
		if err := e.applyChanges(ctx, batch.Changes); err != nil {
			e.logger.Warn("apply sweep changes", "season_id", season.ID, "error", err)
		}
	}
	return nil
}

// verifyMirror compares a season's stored totals, and on divergence a sample
// of its holders, against the raffle contract. The mirror is never mutated
// here; a divergence means events were missed and the alert points an operator
// at a backfill, which the sequence guard makes safe to replay.
func (e *Engine) verifyMirror(ctx context.Context, season domain.Season) {
	chainTotal, err := e.raffle.SeasonTotalTickets(ctx, season.ID)
	if err != nil {
		e.logger.Warn("read season total from chain", "season_id", season.ID, "error", err)
		return
	}
	if chainTotal == season.TotalTickets {
		return
	}

	divergent := 0
	if page, err := e.positions.ListActive(ctx, season.ID, 0, e.tracker.batchSize); err == nil {
		for _, pos := range page {
			chainCount, perr := e.raffle.ParticipantPosition(ctx, season.ID, pos.Participant)
			if perr != nil || chainCount == pos.TicketCount {
				continue
			}
			divergent++
			e.logger.Warn("position diverged from chain",
				"season_id", season.ID,
				"participant", pos.Participant,
				"stored", pos.TicketCount,
				"chain", chainCount)
		}
	}

	e.logger.Error("position mirror diverged from chain",
		"season_id", season.ID,
		"stored_total", season.TotalTickets,
		"chain_total", chainTotal,
		"divergent_holders", divergent)
	e.alerter.Alert(ctx, "mirror_divergence", fmt.Sprintf(
		"season %d: mirror total %d, chain total %d, %d divergent holders sampled",
		season.ID, season.TotalTickets, chainTotal, divergent))
}
