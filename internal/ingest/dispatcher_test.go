package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler collects delivered events per season and can fail on
// demand.
type recordingHandler struct {
	mu        sync.Mutex
	positions map[uint64][]uint64 // season -> seq order received
	trades    []string
	created   []uint64
	failNext  error
	done      chan struct{}
	want      int
	got       int
}

func newRecordingHandler(want int) *recordingHandler {
	return &recordingHandler{
		positions: make(map[uint64][]uint64),
		done:      make(chan struct{}),
		want:      want,
	}
}

func (h *recordingHandler) arrived() {
	h.got++
	if h.got == h.want {
		close(h.done)
	}
}

func (h *recordingHandler) HandlePositionChange(_ context.Context, ev domain.PositionChangedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.arrived()
	if h.failNext != nil {
		err := h.failNext
		h.failNext = nil
		return err
	}
	h.positions[ev.SeasonID] = append(h.positions[ev.SeasonID], ev.Seq())
	return nil
}

func (h *recordingHandler) HandleTrade(_ context.Context, ev domain.TradeExecutedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.arrived()
	h.trades = append(h.trades, ev.MarketAddress)
	return nil
}

func (h *recordingHandler) HandleMarketCreated(_ context.Context, ev domain.MarketCreatedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.arrived()
	h.created = append(h.created, ev.SeasonID)
	return nil
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestDispatcherPreservesPerSeasonOrder(t *testing.T) {
	const perSeason = 20
	handler := newRecordingHandler(3 * perSeason)
	d := NewDispatcher(handler, 4, 64, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Interleave three seasons; within a season blocks arrive in order.
	for i := 0; i < perSeason; i++ {
		for season := uint64(1); season <= 3; season++ {
			err := d.Dispatch(ctx, domain.PositionChangedEvent{
				SeasonID:    season,
				Participant: "0xaaaa",
				BlockNumber: uint64(100 + i),
			})
			require.NoError(t, err)
		}
	}
	handler.wait(t)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for season := uint64(1); season <= 3; season++ {
		seqs := handler.positions[season]
		require.Len(t, seqs, perSeason, "season %d", season)
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1], "season %d order broken at %d", season, i)
		}
	}
}

func TestDispatcherSurvivesHandlerErrors(t *testing.T) {
	handler := newRecordingHandler(2)
	handler.failNext = errors.New("poison event")
	d := NewDispatcher(handler, 1, 8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.Dispatch(ctx, domain.PositionChangedEvent{SeasonID: 1, BlockNumber: 1}))
	require.NoError(t, d.Dispatch(ctx, domain.PositionChangedEvent{SeasonID: 1, BlockNumber: 2}))
	handler.wait(t)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	// The poisoned first event was dropped; the shard kept going.
	require.Len(t, handler.positions[1], 1)
	assert.Equal(t, domain.EventSeq(2, 0), handler.positions[1][0])
}

func TestDispatcherRoutesAllEventTypes(t *testing.T) {
	handler := newRecordingHandler(3)
	d := NewDispatcher(handler, 4, 8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.Dispatch(ctx, domain.PositionChangedEvent{SeasonID: 5, BlockNumber: 1}))
	require.NoError(t, d.Dispatch(ctx, domain.TradeExecutedEvent{MarketAddress: "0xmarket"}))
	require.NoError(t, d.Dispatch(ctx, domain.MarketCreatedEvent{SeasonID: 5}))
	handler.wait(t)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Len(t, handler.positions[5], 1)
	assert.Equal(t, []string{"0xmarket"}, handler.trades)
	assert.Equal(t, []uint64{5}, handler.created)
}

func TestDispatchBlockedQueueHonorsContext(t *testing.T) {
	handler := newRecordingHandler(1)
	d := NewDispatcher(handler, 1, 1, testLogger())
	// No worker running: the single-slot queue fills immediately.

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, domain.PositionChangedEvent{SeasonID: 1}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := d.Dispatch(cancelled, domain.PositionChangedEvent{SeasonID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
