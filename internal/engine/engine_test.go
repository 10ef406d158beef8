package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

type engineFixture struct {
	engine    *Engine
	positions *fakePositionStore
	records   *fakeRecordStore
	prices    *fakePriceCache
	factory   *fakeFactory
	alerter   *fakeAlerter
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	positions := newFakePositionStore()
	records := newFakeRecordStore()
	prices := newFakePriceCache()
	factory := newFakeFactory()
	alerter := &fakeAlerter{}

	tracker := NewPositionTracker(positions, newFakeSignalBus(), 50, testLogger())
	coord := NewCoordinator(records, factory, newFakeLockManager(), alerter, big.NewInt(100), time.Minute, testLogger())

	if cfg.RaffleWeightBps == 0 && cfg.SentimentWeightBps == 0 {
		cfg.RaffleWeightBps = 7000
		cfg.SentimentWeightBps = 3000
	}

	eng := New(tracker, coord, nil, nil, positions, records, prices, alerter, cfg, testLogger())
	return &engineFixture{
		engine:    eng,
		positions: positions,
		records:   records,
		prices:    prices,
		factory:   factory,
		alerter:   alerter,
	}
}

func TestHandlePositionChangeCreatesMarketOnThresholdCrossing(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	// 150 of 1000 tickets is 1500 bps, crossing the 1000 bps threshold.
	err := fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	})
	require.NoError(t, err)

	rec, err := fix.records.Get(ctx, 1, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCreated, rec.Status)
	assert.Equal(t, 1, fix.factory.deploys)

	// The fresh probability reached the price cache through the created
	// market.
	price, err := fix.prices.GetHybridPrice(ctx, *rec.MarketAddress)
	require.NoError(t, err)
	assert.Equal(t, 1500, price.RaffleBps)
}

func TestHandlePositionChangeBelowThresholdCreatesNothing(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	err := fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 50, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, fix.factory.prepares)
	_, err = fix.records.Get(ctx, 1, "0xaaaa")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandlePositionChangeReadOnlySkipsCreation(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000, ReadOnly: true})
	ctx := context.Background()

	err := fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, fix.factory.prepares)

	// The position mirror still advanced.
	pos, err := fix.positions.GetPosition(ctx, 1, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, 1500, pos.ProbabilityBps)
}

func TestHandlePositionChangeStaleEventIsSilentlyDropped(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 10000})
	ctx := context.Background()

	ev := domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 10, NewTotalTickets: 100,
		BlockNumber: 100, LogIndex: 0,
	}
	require.NoError(t, fix.engine.HandlePositionChange(ctx, ev))
	assert.NoError(t, fix.engine.HandlePositionChange(ctx, ev), "replay is not an error")
	assert.Empty(t, fix.alerter.alerts)
}

func TestHandlePositionChangeInvariantViolationAlerts(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 10000})
	ctx := context.Background()

	seedPosition(t, fix.positions, 1, "0xaaaa", 100, 0)

	err := fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xbbbb", NewTicketCount: 10, NewTotalTickets: 50,
		BlockNumber: 100, LogIndex: 0,
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, 1, fix.alerter.count("invariant_violation"))
}

func TestHandleTradeFeedsSentimentForKnownMarket(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	require.NoError(t, fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	}))
	rec, err := fix.records.Get(ctx, 1, "0xaaaa")
	require.NoError(t, err)

	require.NoError(t, fix.engine.HandleTrade(ctx, domain.TradeExecutedEvent{
		MarketAddress: *rec.MarketAddress,
		Trader:        "0xcccc",
		IsBuy:         true,
		Amount:        10,
		SentimentBps:  6000,
	}))

	price, err := fix.prices.GetHybridPrice(ctx, *rec.MarketAddress)
	require.NoError(t, err)
	assert.Equal(t, 6000, price.SentimentBps)
	assert.Equal(t, 1500, price.RaffleBps)
	assert.Equal(t, BlendHybridBps(1500, 6000, 7000, 3000), price.HybridBps)
}

func TestHandleTradeIgnoresForeignAndInvalidMarkets(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	// A contract this engine never created emits the same event signature.
	require.NoError(t, fix.engine.HandleTrade(ctx, domain.TradeExecutedEvent{
		MarketAddress: "0x00000000000000000000000000000000000000ff",
		SentimentBps:  5000,
	}))
	_, err := fix.prices.GetHybridPrice(ctx, "0x00000000000000000000000000000000000000ff")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Out-of-range sentiment is dropped without error.
	require.NoError(t, fix.engine.HandleTrade(ctx, domain.TradeExecutedEvent{
		MarketAddress: "0x00000000000000000000000000000000000000aa",
		SentimentBps:  20000,
	}))
}

func TestHandleMarketCreatedReconcilesAndSeedsPrice(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	require.NoError(t, fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 2, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	}))
	rec, err := fix.records.Get(ctx, 2, "0xaaaa")
	require.NoError(t, err)

	require.NoError(t, fix.engine.HandleMarketCreated(ctx, domain.MarketCreatedEvent{
		SeasonID:      2,
		Participant:   "0xaaaa",
		MarketAddress: *rec.MarketAddress,
		ConditionID:   *rec.ConditionID,
	}))

	status, err := fix.engine.MarketStatusFor(ctx, 2, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCreated, status.Status)

	price, err := fix.engine.CurrentHybridPrice(ctx, *rec.MarketAddress)
	require.NoError(t, err)
	assert.Equal(t, 1500, price.RaffleBps)
}

func TestSweepCrossChecksMirrorAgainstChain(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 10000})
	ctx := context.Background()

	require.NoError(t, fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 100, NewTotalTickets: 100,
		BlockNumber: 100, LogIndex: 0,
	}))

	// Contract agrees with the mirror: a sweep stays quiet.
	fix.engine.raffle = &fakeRaffleSource{
		totals:    map[uint64]uint64{1: 100},
		positions: map[string]uint64{"0xaaaa": 100},
	}
	require.NoError(t, fix.engine.sweepOnce(ctx))
	assert.Zero(t, fix.alerter.count("mirror_divergence"))

	// Chain moved on without the mirror seeing the event.
	fix.engine.raffle = &fakeRaffleSource{
		totals:    map[uint64]uint64{1: 250},
		positions: map[string]uint64{"0xaaaa": 250},
	}
	require.NoError(t, fix.engine.sweepOnce(ctx))
	assert.Equal(t, 1, fix.alerter.count("mirror_divergence"))

	// The mirror itself stays untouched; replayed events are the fix.
	pos, err := fix.positions.GetPosition(ctx, 1, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pos.TicketCount)
}

func TestRetryFailedMarketRejectedInReadOnlyMode(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000, ReadOnly: true})
	err := fix.engine.RetryFailedMarket(context.Background(), 1, "0xaaaa")
	assert.ErrorContains(t, err, "read-only")
}

func TestFailedMarketsListsOnlyFailures(t *testing.T) {
	fix := newEngineFixture(t, Config{CreationThresholdBps: 1000})
	ctx := context.Background()

	fix.factory.treasury = big.NewInt(1) // every escrow fails

	err := fix.engine.HandlePositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	})
	require.Error(t, err)

	failed, err := fix.engine.FailedMarkets(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.StepEscrowLiquidity, failed[0].FailedStep)

	// Treasury refilled; a retry clears the failure list.
	fix.factory.treasury = big.NewInt(1_000)
	require.NoError(t, fix.engine.RetryFailedMarket(ctx, 1, "0xaaaa"))

	failed, err = fix.engine.FailedMarkets(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, failed)
}
