package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

func seedPosition(t *testing.T, store *fakePositionStore, seasonID uint64, participant string, tickets uint64, bps int) {
	t.Helper()
	err := store.UpsertPosition(context.Background(), domain.Position{
		SeasonID:       seasonID,
		Participant:    participant,
		TicketCount:    tickets,
		ProbabilityBps: bps,
		UpdatedAt:      time.Now(),
	})
	require.NoError(t, err)
}

func TestApplyPositionChangeComputesMoverProbability(t *testing.T) {
	store := newFakePositionStore()
	bus := newFakeSignalBus()
	tracker := NewPositionTracker(store, bus, 50, testLogger())

	batch, err := tracker.ApplyPositionChange(context.Background(), domain.PositionChangedEvent{
		SeasonID:        1,
		Participant:     "0xaaaa",
		NewTicketCount:  150,
		NewTotalTickets: 1000,
		BlockNumber:     100,
		LogIndex:        3,
	})
	require.NoError(t, err)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "0xaaaa", batch.Changes[0].Participant)
	assert.Equal(t, 0, batch.Changes[0].OldBps)
	assert.Equal(t, 1500, batch.Changes[0].NewBps)
	assert.False(t, batch.MorePending)

	season, err := store.GetSeason(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), season.TotalTickets)
	assert.Equal(t, domain.EventSeq(100, 3), season.LastSeq)

	// Batch went out on both the live channel and the durable stream.
	assert.Len(t, bus.published[ChannelProbabilities], 1)
	assert.Len(t, bus.streamed[StreamProbabilities], 1)
}

func TestApplyPositionChangeRepricesExistingHolders(t *testing.T) {
	store := newFakePositionStore()
	tracker := NewPositionTracker(store, newFakeSignalBus(), 50, testLogger())
	ctx := context.Background()

	// A holds 150 of 1000 total.
	_, err := tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 150, NewTotalTickets: 1000,
		BlockNumber: 100, LogIndex: 0,
	})
	require.NoError(t, err)

	// B buys 1000, doubling the total. A's probability halves to 750.
	batch, err := tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xbbbb", NewTicketCount: 1000, NewTotalTickets: 2000,
		BlockNumber: 101, LogIndex: 0,
	})
	require.NoError(t, err)

	byParticipant := make(map[string]domain.ProbabilityChange)
	for _, ch := range batch.Changes {
		byParticipant[ch.Participant] = ch
	}
	require.Contains(t, byParticipant, "0xaaaa")
	require.Contains(t, byParticipant, "0xbbbb")
	assert.Equal(t, 1500, byParticipant["0xaaaa"].OldBps)
	assert.Equal(t, 750, byParticipant["0xaaaa"].NewBps)
	assert.Equal(t, 5000, byParticipant["0xbbbb"].NewBps)

	pos, err := store.GetPosition(ctx, 1, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, 750, pos.ProbabilityBps)
}

func TestApplyPositionChangeDropsStaleEvents(t *testing.T) {
	store := newFakePositionStore()
	tracker := NewPositionTracker(store, newFakeSignalBus(), 50, testLogger())
	ctx := context.Background()

	ev := domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xaaaa", NewTicketCount: 100, NewTotalTickets: 100,
		BlockNumber: 100, LogIndex: 5,
	}
	_, err := tracker.ApplyPositionChange(ctx, ev)
	require.NoError(t, err)

	// Same event replayed (backfill overlap).
	_, err = tracker.ApplyPositionChange(ctx, ev)
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)

	// An earlier log from the same block.
	earlier := ev
	earlier.LogIndex = 2
	_, err = tracker.ApplyPositionChange(ctx, earlier)
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)

	// Position reflects only the first application.
	pos, err := store.GetPosition(ctx, 1, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pos.TicketCount)
}

func TestApplyPositionChangeDetectsInvariantViolation(t *testing.T) {
	store := newFakePositionStore()
	tracker := NewPositionTracker(store, newFakeSignalBus(), 50, testLogger())
	ctx := context.Background()

	seedPosition(t, store, 1, "0xaaaa", 100, 0)

	// Event claims the season total is 50 while stored positions already sum
	// to more.
	_, err := tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xbbbb", NewTicketCount: 10, NewTotalTickets: 50,
		BlockNumber: 100, LogIndex: 0,
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// The mover's raw count was persisted before the check.
	pos, err := store.GetPosition(ctx, 1, "0xbbbb")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pos.TicketCount)
}

func TestBoundedRepricingWithSweep(t *testing.T) {
	store := newFakePositionStore()
	tracker := NewPositionTracker(store, newFakeSignalBus(), 2, testLogger())
	ctx := context.Background()

	// Four holders priced against an old total of 400.
	for _, p := range []string{"0xaaaa", "0xbbbb", "0xcccc", "0xdddd"} {
		seedPosition(t, store, 1, p, 100, 2500)
	}

	// A fifth participant joins, pushing the total to 500. Only one page of
	// two is repriced inline.
	batch, err := tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xeeee", NewTicketCount: 100, NewTotalTickets: 500,
		BlockNumber: 200, LogIndex: 0,
	})
	require.NoError(t, err)
	assert.True(t, batch.MorePending)

	// Mover leads the change set even though the page did not reach it.
	require.NotEmpty(t, batch.Changes)
	assert.Equal(t, "0xeeee", batch.Changes[0].Participant)
	assert.Equal(t, 2000, batch.Changes[0].NewBps)
	assert.Len(t, batch.Changes, 3)

	season, err := store.GetSeason(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, season.SweepCursor)

	// First sweep reprices the next page.
	sweep, err := tracker.SweepSeason(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sweep)
	assert.Len(t, sweep.Changes, 2)
	assert.True(t, sweep.MorePending)

	// Second sweep reaches the mover, which is already current, and wraps the
	// cursor to zero.
	_, err = tracker.SweepSeason(ctx, 1)
	require.NoError(t, err)

	season, err = store.GetSeason(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, season.SweepCursor)

	// Everyone is now at 100/500.
	for _, p := range []string{"0xaaaa", "0xbbbb", "0xcccc", "0xdddd", "0xeeee"} {
		pos, err := store.GetPosition(ctx, 1, p)
		require.NoError(t, err)
		assert.Equal(t, 2000, pos.ProbabilityBps, p)
	}

	// Fully swept season sweeps to nil.
	sweep, err = tracker.SweepSeason(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, sweep)
}

func TestMidSweepTotalChangeRestartsRepricing(t *testing.T) {
	store := newFakePositionStore()
	tracker := NewPositionTracker(store, newFakeSignalBus(), 2, testLogger())
	ctx := context.Background()

	// Four holders priced against an old total of 400.
	for _, p := range []string{"0xaaaa", "0xbbbb", "0xcccc", "0xdddd"} {
		seedPosition(t, store, 1, p, 100, 2500)
	}

	// A fifth participant joins, starting a repricing lap under total 500.
	_, err := tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xeeee", NewTicketCount: 100, NewTotalTickets: 500,
		BlockNumber: 200, LogIndex: 0,
	})
	require.NoError(t, err)

	season, err := store.GetSeason(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, season.SweepCursor, "lap in progress")

	// The mover buys again mid-lap, pushing the total to 600. The first page
	// was priced under 500 and must be visited again under the new total.
	_, err = tracker.ApplyPositionChange(ctx, domain.PositionChangedEvent{
		SeasonID: 1, Participant: "0xeeee", NewTicketCount: 200, NewTotalTickets: 600,
		BlockNumber: 201, LogIndex: 0,
	})
	require.NoError(t, err)

	// Drain the sweep backlog completely.
	for {
		season, err = store.GetSeason(ctx, 1)
		require.NoError(t, err)
		if season.SweepCursor == 0 {
			break
		}
		_, err = tracker.SweepSeason(ctx, 1)
		require.NoError(t, err)
	}

	// Every holder ends up priced under the final total of 600.
	for _, p := range []string{"0xaaaa", "0xbbbb", "0xcccc", "0xdddd"} {
		pos, err := store.GetPosition(ctx, 1, p)
		require.NoError(t, err)
		assert.Equal(t, 1666, pos.ProbabilityBps, p)
	}
	pos, err := store.GetPosition(ctx, 1, "0xeeee")
	require.NoError(t, err)
	assert.Equal(t, 3333, pos.ProbabilityBps)

	// The season really is settled, not just wrapped.
	sweep, err := tracker.SweepSeason(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, sweep)
}

func TestTicketProbabilityBps(t *testing.T) {
	assert.Equal(t, 1500, domain.TicketProbabilityBps(150, 1000))
	assert.Equal(t, 10000, domain.TicketProbabilityBps(500, 500))
	assert.Equal(t, 0, domain.TicketProbabilityBps(0, 1000))
	assert.Equal(t, 0, domain.TicketProbabilityBps(100, 0), "zero total never divides")
	assert.Equal(t, 3333, domain.TicketProbabilityBps(1, 3))
}
