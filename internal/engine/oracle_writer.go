package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// OracleBackend is the chain surface the writer pushes values through.
// chain.OracleWriter is the production implementation.
type OracleBackend interface {
	WriteRaffleProbability(ctx context.Context, marketAddress string, probabilityBps int) (string, error)
	WriteMarketSentiment(ctx context.Context, marketAddress string, sentimentBps int) (string, error)
}

// WriteTask is one queued oracle update.
type WriteTask struct {
	MarketAddress string
	Function      domain.OracleFunc
	ValueBps      int
	EnqueuedAt    time.Time
}

// WriterConfig tunes the HybridOracleWriter.
type WriterConfig struct {
	RaffleWeightBps    int
	SentimentWeightBps int
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Workers            int
	QueueSize          int
}

// HybridOracleWriter pushes raffle probabilities and market sentiment to the
// on-chain oracle through a bounded task queue, retrying transient failures
// with exponential backoff. Every attempt lands in the oracle call audit log,
// and every successful write refreshes the cached hybrid price for the
// market.
type HybridOracleWriter struct {
	backend  OracleBackend
	calls    domain.OracleCallStore
	prices   domain.HybridPriceCache
	failures *FailureTracker
	cfg      WriterConfig
	queue    chan WriteTask
	logger   *slog.Logger
	now      func() time.Time

	// sleep is replaceable in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHybridOracleWriter creates a writer. The weights must sum to 10000 bps;
// config validation enforces that before this is reached.
func NewHybridOracleWriter(
	backend OracleBackend,
	calls domain.OracleCallStore,
	prices domain.HybridPriceCache,
	failures *FailureTracker,
	cfg WriterConfig,
	logger *slog.Logger,
) *HybridOracleWriter {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &HybridOracleWriter{
		backend:  backend,
		calls:    calls,
		prices:   prices,
		failures: failures,
		cfg:      cfg,
		queue:    make(chan WriteTask, cfg.QueueSize),
		logger:   logger.With("component", "oracle_writer"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// BlendHybridBps combines the raffle probability and the market sentiment
// into the published hybrid price using the configured weights.
func BlendHybridBps(raffleBps, sentimentBps, raffleWeightBps, sentimentWeightBps int) int {
	return (raffleBps*raffleWeightBps + sentimentBps*sentimentWeightBps) / 10000
}

// EnqueueRaffleProbability queues a raffle probability write for a market.
// Values outside [0, 10000] and invalid or zero market addresses are rejected
// before they consume an attempt.
func (w *HybridOracleWriter) EnqueueRaffleProbability(marketAddress string, probabilityBps int) error {
	return w.enqueue(marketAddress, domain.OracleFuncRaffle, probabilityBps)
}

// EnqueueSentiment queues a market sentiment write for a market.
func (w *HybridOracleWriter) EnqueueSentiment(marketAddress string, sentimentBps int) error {
	return w.enqueue(marketAddress, domain.OracleFuncSentiment, sentimentBps)
}

func (w *HybridOracleWriter) enqueue(marketAddress string, fn domain.OracleFunc, valueBps int) error {
	// A malformed or zero target must never reach the retry loop, where it
	// would burn every attempt and count against the market's failure streak.
	if !common.IsHexAddress(marketAddress) || common.HexToAddress(marketAddress) == (common.Address{}) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAddress, marketAddress)
	}
	if valueBps < 0 || valueBps > 10000 {
		return fmt.Errorf("%w: %s=%d for %s", domain.ErrInvalidBps, fn, valueBps, marketAddress)
	}

	task := WriteTask{
		MarketAddress: marketAddress,
		Function:      fn,
		ValueBps:      valueBps,
		EnqueuedAt:    w.now(),
	}
	select {
	case w.queue <- task:
		return nil
	default:
		return fmt.Errorf("engine: oracle write queue full, dropping %s for %s", fn, marketAddress)
	}
}

// Run consumes the queue with the configured number of workers until the
// context is cancelled.
func (w *HybridOracleWriter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task := <-w.queue:
					w.process(ctx, task)
				}
			}
		})
	}
	return g.Wait()
}

// process runs the retry loop for a single task. Each attempt produces one
// audit record. After success the failure count resets and the hybrid price
// cache is refreshed; after the final failed attempt the failure tracker is
// fed once for the whole task.
func (w *HybridOracleWriter) process(ctx context.Context, task WriteTask) {
	key := failureKey(task.MarketAddress)

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		txHash, err := w.attempt(ctx, task, attempt)
		if err == nil {
			w.failures.RecordSuccess(ctx, key)
			w.refreshHybrid(ctx, task)
			w.logger.Debug("oracle write succeeded",
				"market", task.MarketAddress,
				"function", string(task.Function),
				"value_bps", task.ValueBps,
				"attempt", attempt,
				"tx", txHash)
			return
		}
		lastErr = err

		w.logger.Warn("oracle write attempt failed",
			"market", task.MarketAddress,
			"function", string(task.Function),
			"attempt", attempt,
			"error", err)

		if attempt == w.cfg.MaxAttempts {
			break
		}
		if err := w.sleep(ctx, w.backoff(attempt)); err != nil {
			return
		}
	}

	w.failures.RecordFailure(ctx, key, lastErr.Error())
}

// attempt performs one write and records it in the audit log regardless of
// outcome.
func (w *HybridOracleWriter) attempt(ctx context.Context, task WriteTask, attempt int) (string, error) {
	rec := domain.OracleCallRecord{
		ID:            uuid.New().String(),
		MarketAddress: task.MarketAddress,
		Function:      task.Function,
		ValueBps:      task.ValueBps,
		Attempt:       attempt,
		StartedAt:     w.now(),
	}

	var (
		txHash string
		err    error
	)
	switch task.Function {
	case domain.OracleFuncRaffle:
		txHash, err = w.backend.WriteRaffleProbability(ctx, task.MarketAddress, task.ValueBps)
	case domain.OracleFuncSentiment:
		txHash, err = w.backend.WriteMarketSentiment(ctx, task.MarketAddress, task.ValueBps)
	default:
		err = fmt.Errorf("engine: unknown oracle function %q", task.Function)
	}

	rec.CompletedAt = w.now()
	if err != nil {
		rec.Outcome = domain.OracleCallError
		rec.Error = err.Error()
	} else {
		rec.Outcome = domain.OracleCallSuccess
		rec.TxHash = txHash
	}

	if insErr := w.calls.Insert(ctx, rec); insErr != nil {
		w.logger.Error("record oracle call", "error", insErr)
	}
	return txHash, err
}

// refreshHybrid folds the freshly written component into the cached hybrid
// price.
func (w *HybridOracleWriter) refreshHybrid(ctx context.Context, task WriteTask) {
	price, err := foldHybridPrice(ctx, w.prices, task.MarketAddress, task.Function, task.ValueBps,
		w.cfg.RaffleWeightBps, w.cfg.SentimentWeightBps, w.now())
	if err != nil {
		w.logger.Warn("load hybrid price", "market", task.MarketAddress, "error", err)
		return
	}
	if err := w.prices.SetHybridPrice(ctx, price); err != nil {
		w.logger.Warn("cache hybrid price", "market", task.MarketAddress, "error", err)
	}
}

// foldHybridPrice merges one fresh component into the market's cached price.
// A market that has never priced the other component yet gets the fresh value
// for both, so the blend starts at the pure component value rather than at
// zero.
func foldHybridPrice(ctx context.Context, prices domain.HybridPriceCache, marketAddress string, fn domain.OracleFunc, valueBps, raffleWeightBps, sentimentWeightBps int, now time.Time) (domain.HybridPrice, error) {
	current, err := prices.GetHybridPrice(ctx, marketAddress)
	notFound := errors.Is(err, domain.ErrNotFound)
	if err != nil && !notFound {
		return domain.HybridPrice{}, err
	}

	raffleBps := current.RaffleBps
	sentimentBps := current.SentimentBps
	switch fn {
	case domain.OracleFuncRaffle:
		raffleBps = valueBps
		if notFound {
			sentimentBps = valueBps
		}
	case domain.OracleFuncSentiment:
		sentimentBps = valueBps
		if notFound {
			raffleBps = valueBps
		}
	}

	return domain.HybridPrice{
		MarketAddress: marketAddress,
		HybridBps:     BlendHybridBps(raffleBps, sentimentBps, raffleWeightBps, sentimentWeightBps),
		RaffleBps:     raffleBps,
		SentimentBps:  sentimentBps,
		UpdatedAt:     now,
	}, nil
}

// backoff returns the delay before the next attempt: baseDelay doubled per
// completed attempt, capped at maxDelay.
func (w *HybridOracleWriter) backoff(attempt int) time.Duration {
	d := w.cfg.BaseDelay << (attempt - 1)
	if w.cfg.MaxDelay > 0 && d > w.cfg.MaxDelay {
		d = w.cfg.MaxDelay
	}
	return d
}

func failureKey(marketAddress string) string {
	return "oracle:" + marketAddress
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
