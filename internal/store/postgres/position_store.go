package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// UpsertSeason writes the season's totals, last applied sequence number, and
// sweep cursor in one statement.
func (s *PositionStore) UpsertSeason(ctx context.Context, season domain.Season) error {
	const query = `
		INSERT INTO seasons (id, total_tickets, last_seq, sweep_cursor, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_tickets = EXCLUDED.total_tickets,
			last_seq      = EXCLUDED.last_seq,
			sweep_cursor  = EXCLUDED.sweep_cursor,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(season.ID), int64(season.TotalTickets), int64(season.LastSeq), season.SweepCursor,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert season %d: %w", season.ID, err)
	}
	return nil
}

// GetSeason retrieves a season by ID.
func (s *PositionStore) GetSeason(ctx context.Context, seasonID uint64) (domain.Season, error) {
	const query = `
		SELECT id, total_tickets, last_seq, sweep_cursor, updated_at
		FROM seasons WHERE id = $1`

	var season domain.Season
	var id, total, seq int64
	err := s.pool.QueryRow(ctx, query, int64(seasonID)).Scan(
		&id, &total, &seq, &season.SweepCursor, &season.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Season{}, domain.ErrNotFound
		}
		return domain.Season{}, fmt.Errorf("postgres: get season %d: %w", seasonID, err)
	}
	season.ID = uint64(id)
	season.TotalTickets = uint64(total)
	season.LastSeq = uint64(seq)
	return season, nil
}

// ListSeasons returns all known seasons ordered by ID.
func (s *PositionStore) ListSeasons(ctx context.Context) ([]domain.Season, error) {
	const query = `
		SELECT id, total_tickets, last_seq, sweep_cursor, updated_at
		FROM seasons ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list seasons: %w", err)
	}
	defer rows.Close()

	var seasons []domain.Season
	for rows.Next() {
		var season domain.Season
		var id, total, seq int64
		if err := rows.Scan(&id, &total, &seq, &season.SweepCursor, &season.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan season: %w", err)
		}
		season.ID = uint64(id)
		season.TotalTickets = uint64(total)
		season.LastSeq = uint64(seq)
		seasons = append(seasons, season)
	}
	return seasons, rows.Err()
}

// UpsertPosition writes a participant's ticket count and derived probability.
func (s *PositionStore) UpsertPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (season_id, participant, ticket_count, probability_bps, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (season_id, participant) DO UPDATE SET
			ticket_count    = EXCLUDED.ticket_count,
			probability_bps = EXCLUDED.probability_bps,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(p.SeasonID), p.Participant, int64(p.TicketCount), p.ProbabilityBps,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d/%s: %w", p.SeasonID, p.Participant, err)
	}
	return nil
}

// GetPosition retrieves one participant's position.
func (s *PositionStore) GetPosition(ctx context.Context, seasonID uint64, participant string) (domain.Position, error) {
	const query = `
		SELECT season_id, participant, ticket_count, probability_bps, updated_at
		FROM positions WHERE season_id = $1 AND participant = $2`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, int64(seasonID), participant))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d/%s: %w", seasonID, participant, err)
	}
	return p, nil
}

// ListActive returns positions with a nonzero ticket count, ordered by
// participant address so sweep pagination is stable.
func (s *PositionStore) ListActive(ctx context.Context, seasonID uint64, offset, limit int) ([]domain.Position, error) {
	const query = `
		SELECT season_id, participant, ticket_count, probability_bps, updated_at
		FROM positions
		WHERE season_id = $1 AND ticket_count > 0
		ORDER BY participant
		OFFSET $2 LIMIT $3`

	rows, err := s.pool.Query(ctx, query, int64(seasonID), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CountActive returns the number of participants with a nonzero position.
func (s *PositionStore) CountActive(ctx context.Context, seasonID uint64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE season_id = $1 AND ticket_count > 0`,
		int64(seasonID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active positions: %w", err)
	}
	return n, nil
}

// SumTickets returns the sum of all ticket counts in a season.
func (s *PositionStore) SumTickets(ctx context.Context, seasonID uint64) (uint64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(ticket_count), 0) FROM positions WHERE season_id = $1`,
		int64(seasonID),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum tickets: %w", err)
	}
	return uint64(sum), nil
}

// UpdateProbabilities batch-writes recomputed probability values inside a
// single transaction so a recomputation pass is applied atomically.
func (s *PositionStore) UpdateProbabilities(ctx context.Context, seasonID uint64, changes []domain.Position) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin probability update: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE positions SET probability_bps = $3, updated_at = NOW()
		WHERE season_id = $1 AND participant = $2`

	for _, p := range changes {
		if _, err := tx.Exec(ctx, query, int64(seasonID), p.Participant, p.ProbabilityBps); err != nil {
			return fmt.Errorf("postgres: update probability %d/%s: %w", seasonID, p.Participant, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit probability update: %w", err)
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var seasonID, tickets int64
	if err := row.Scan(&seasonID, &p.Participant, &tickets, &p.ProbabilityBps, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	p.SeasonID = uint64(seasonID)
	p.TicketCount = uint64(tickets)
	return p, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
