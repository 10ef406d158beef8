package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// Signal bus destinations for probability-change batches. The channel feeds
// live consumers (websocket hub); the stream keeps a durable trail for
// catch-up readers.
const (
	ChannelProbabilities = "probabilities"
	StreamProbabilities  = "stream:probabilities"
)

// PositionTracker maintains the authoritative position mirror and recomputes
// derived win probabilities. Every ticket movement changes the season total,
// so a single event can move every participant's probability; recomputation
// is bounded per pass by batchSize with a persisted cursor, and the periodic
// sweep finishes what a pass left pending.
type PositionTracker struct {
	store     domain.PositionStore
	bus       domain.SignalBus
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionTracker creates a tracker. batchSize caps the number of
// positions repriced in one pass.
func NewPositionTracker(store domain.PositionStore, bus domain.SignalBus, batchSize int, logger *slog.Logger) *PositionTracker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PositionTracker{
		store:     store,
		bus:       bus,
		batchSize: batchSize,
		logger:    logger.With("component", "position_tracker"),
		now:       time.Now,
	}
}

// ApplyPositionChange ingests one ticket movement: it updates the mover's
// position and the season totals, reprices one page of participants, and
// returns the batch of probability changes. Events at or below the season's
// last applied sequence return domain.ErrStaleSnapshot and change nothing.
// A stored ticket sum exceeding the event's season total returns
// domain.ErrInvariantViolation after the mover's raw count is persisted.
func (pt *PositionTracker) ApplyPositionChange(ctx context.Context, ev domain.PositionChangedEvent) (*domain.ProbabilityBatch, error) {
	season, err := pt.store.GetSeason(ctx, ev.SeasonID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("engine: load season %d: %w", ev.SeasonID, err)
		}
		season = domain.Season{ID: ev.SeasonID}
	}

	seq := ev.Seq()
	if season.LastSeq != 0 && seq <= season.LastSeq {
		return nil, fmt.Errorf("%w: season=%d seq=%d last=%d",
			domain.ErrStaleSnapshot, ev.SeasonID, seq, season.LastSeq)
	}

	// Mover's previous derived probability, for the change set.
	moverOldBps := 0
	if prev, err := pt.store.GetPosition(ctx, ev.SeasonID, ev.Participant); err == nil {
		moverOldBps = prev.ProbabilityBps
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("engine: load position: %w", err)
	}

	moverNewBps := domain.TicketProbabilityBps(ev.NewTicketCount, ev.NewTotalTickets)
	mover := domain.Position{
		SeasonID:       ev.SeasonID,
		Participant:    ev.Participant,
		TicketCount:    ev.NewTicketCount,
		ProbabilityBps: moverNewBps,
		UpdatedAt:      pt.now(),
	}
	if err := pt.store.UpsertPosition(ctx, mover); err != nil {
		return nil, fmt.Errorf("engine: upsert position: %w", err)
	}

	sum, err := pt.store.SumTickets(ctx, ev.SeasonID)
	if err != nil {
		return nil, fmt.Errorf("engine: sum tickets: %w", err)
	}
	if sum > ev.NewTotalTickets {
		return nil, fmt.Errorf("%w: season=%d sum=%d total=%d",
			domain.ErrInvariantViolation, ev.SeasonID, sum, ev.NewTotalTickets)
	}

	// A changed total invalidates any repricing lap still in progress: pages
	// already priced under the old total must be visited again, so the lap
	// restarts from the top.
	if season.SweepCursor != 0 && season.TotalTickets != ev.NewTotalTickets {
		season.SweepCursor = 0
	}

	season.TotalTickets = ev.NewTotalTickets
	season.LastSeq = seq

	changes, nextCursor, err := pt.repricePage(ctx, &season)
	if err != nil {
		return nil, err
	}

	// The mover is always part of the emitted change set when it actually
	// moved, even if the current page did not include it.
	if moverOldBps != moverNewBps && !containsParticipant(changes, ev.Participant) {
		changes = append([]domain.ProbabilityChange{{
			SeasonID:    ev.SeasonID,
			Participant: ev.Participant,
			OldBps:      moverOldBps,
			NewBps:      moverNewBps,
		}}, changes...)
	}

	season.SweepCursor = nextCursor
	season.UpdatedAt = pt.now()
	if err := pt.store.UpsertSeason(ctx, season); err != nil {
		return nil, fmt.Errorf("engine: upsert season: %w", err)
	}

	batch := &domain.ProbabilityBatch{
		SeasonID:    ev.SeasonID,
		Seq:         seq,
		Changes:     changes,
		MorePending: nextCursor != 0,
	}
	pt.publish(ctx, batch)
	return batch, nil
}

// SweepSeason reprices the next pending page of a season without an inbound
// event. It returns nil when the season has nothing left to reprice.
func (pt *PositionTracker) SweepSeason(ctx context.Context, seasonID uint64) (*domain.ProbabilityBatch, error) {
	season, err := pt.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("engine: load season %d: %w", seasonID, err)
	}
	if season.SweepCursor == 0 {
		return nil, nil
	}

	changes, nextCursor, err := pt.repricePage(ctx, &season)
	if err != nil {
		return nil, err
	}

	season.SweepCursor = nextCursor
	season.UpdatedAt = pt.now()
	if err := pt.store.UpsertSeason(ctx, season); err != nil {
		return nil, fmt.Errorf("engine: upsert season: %w", err)
	}

	if len(changes) == 0 && nextCursor == 0 {
		return nil, nil
	}

	batch := &domain.ProbabilityBatch{
		SeasonID:    seasonID,
		Seq:         season.LastSeq,
		Changes:     changes,
		MorePending: nextCursor != 0,
	}
	pt.publish(ctx, batch)
	return batch, nil
}

// repricePage recomputes probabilities for one page of active positions
// starting at the season's sweep cursor and persists those that moved. It
// returns the change set and the next cursor (0 when the season is fully
// repriced).
func (pt *PositionTracker) repricePage(ctx context.Context, season *domain.Season) ([]domain.ProbabilityChange, int, error) {
	count, err := pt.store.CountActive(ctx, season.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: count active: %w", err)
	}
	if count == 0 {
		return nil, 0, nil
	}

	cursor := season.SweepCursor
	if cursor >= count {
		cursor = 0
	}

	page, err := pt.store.ListActive(ctx, season.ID, cursor, pt.batchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: list active: %w", err)
	}

	var (
		changes []domain.ProbabilityChange
		updated []domain.Position
	)
	for _, pos := range page {
		newBps := domain.TicketProbabilityBps(pos.TicketCount, season.TotalTickets)
		if newBps == pos.ProbabilityBps {
			continue
		}
		changes = append(changes, domain.ProbabilityChange{
			SeasonID:    season.ID,
			Participant: pos.Participant,
			OldBps:      pos.ProbabilityBps,
			NewBps:      newBps,
		})
		pos.ProbabilityBps = newBps
		pos.UpdatedAt = pt.now()
		updated = append(updated, pos)
	}

	if len(updated) > 0 {
		if err := pt.store.UpdateProbabilities(ctx, season.ID, updated); err != nil {
			return nil, 0, fmt.Errorf("engine: update probabilities: %w", err)
		}
	}

	nextCursor := cursor + len(page)
	if nextCursor >= count {
		nextCursor = 0
	}
	return changes, nextCursor, nil
}

func (pt *PositionTracker) publish(ctx context.Context, batch *domain.ProbabilityBatch) {
	payload, err := json.Marshal(batch)
	if err != nil {
		pt.logger.Error("marshal probability batch", "error", err)
		return
	}

	// Delivery is best effort; the database remains the source of truth.
	if err := pt.bus.Publish(ctx, ChannelProbabilities, payload); err != nil {
		pt.logger.Warn("publish probability batch", "error", err)
	}
	if err := pt.bus.StreamAppend(ctx, StreamProbabilities, payload); err != nil {
		pt.logger.Warn("append probability batch", "error", err)
	}
}

func containsParticipant(changes []domain.ProbabilityChange, participant string) bool {
	for _, c := range changes {
		if c.Participant == participant {
			return true
		}
	}
	return false
}
