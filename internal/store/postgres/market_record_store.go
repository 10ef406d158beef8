package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// MarketRecordStore implements domain.MarketRecordStore using PostgreSQL.
type MarketRecordStore struct {
	pool *pgxpool.Pool
}

// NewMarketRecordStore creates a new MarketRecordStore backed by the given
// connection pool.
func NewMarketRecordStore(pool *pgxpool.Pool) *MarketRecordStore {
	return &MarketRecordStore{pool: pool}
}

const marketRecordCols = `season_id, participant, status, condition_id, market_address,
	escrowed_at, last_probability_bps, failed_step, failure_reason, created_at, updated_at`

func scanMarketRecord(row pgx.Row) (domain.MarketRecord, error) {
	var r domain.MarketRecord
	var seasonID int64
	var status, failedStep string

	err := row.Scan(
		&seasonID, &r.Participant, &status, &r.ConditionID, &r.MarketAddress,
		&r.EscrowedAt, &r.LastProbabilityBps, &failedStep, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.MarketRecord{}, err
	}
	r.SeasonID = uint64(seasonID)
	r.Status = domain.MarketStatus(status)
	r.FailedStep = domain.LifecycleStep(failedStep)
	return r, nil
}

// Create inserts a new record. It returns domain.ErrAlreadyExists when a
// record for the (season, participant) pair was created before.
func (s *MarketRecordStore) Create(ctx context.Context, r domain.MarketRecord) error {
	const query = `
		INSERT INTO market_records (
			season_id, participant, status, condition_id, market_address,
			escrowed_at, last_probability_bps, failed_step, failure_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (season_id, participant) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		int64(r.SeasonID), r.Participant, string(r.Status), r.ConditionID, r.MarketAddress,
		r.EscrowedAt, r.LastProbabilityBps, string(r.FailedStep), r.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market record %d/%s: %w", r.SeasonID, r.Participant, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Update replaces all mutable fields of a record.
func (s *MarketRecordStore) Update(ctx context.Context, r domain.MarketRecord) error {
	const query = `
		UPDATE market_records SET
			status               = $3,
			condition_id         = $4,
			market_address       = $5,
			escrowed_at          = $6,
			last_probability_bps = $7,
			failed_step          = $8,
			failure_reason       = $9,
			updated_at           = NOW()
		WHERE season_id = $1 AND participant = $2`

	tag, err := s.pool.Exec(ctx, query,
		int64(r.SeasonID), r.Participant, string(r.Status), r.ConditionID, r.MarketAddress,
		r.EscrowedAt, r.LastProbabilityBps, string(r.FailedStep), r.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market record %d/%s: %w", r.SeasonID, r.Participant, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves the record for one (season, participant) pair.
func (s *MarketRecordStore) Get(ctx context.Context, seasonID uint64, participant string) (domain.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketRecordCols+` FROM market_records
		 WHERE season_id = $1 AND participant = $2`,
		int64(seasonID), participant)

	r, err := scanMarketRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("postgres: get market record %d/%s: %w", seasonID, participant, err)
	}
	return r, nil
}

// GetByMarketAddress retrieves the record owning a deployed market contract.
func (s *MarketRecordStore) GetByMarketAddress(ctx context.Context, marketAddress string) (domain.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketRecordCols+` FROM market_records WHERE market_address = $1`,
		marketAddress)

	r, err := scanMarketRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("postgres: get market record by address %s: %w", marketAddress, err)
	}
	return r, nil
}

// ListByStatus returns records in the given lifecycle state, most recently
// updated first.
func (s *MarketRecordStore) ListByStatus(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	query := `SELECT ` + marketRecordCols + ` FROM market_records WHERE status = $1 ORDER BY updated_at DESC`
	args := []any{string(status)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list market records by status: %w", err)
	}
	defer rows.Close()

	return collectMarketRecords(rows)
}

// ListBySeason returns all records in a season.
func (s *MarketRecordStore) ListBySeason(ctx context.Context, seasonID uint64) ([]domain.MarketRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketRecordCols+` FROM market_records WHERE season_id = $1 ORDER BY participant`,
		int64(seasonID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list market records by season: %w", err)
	}
	defer rows.Close()

	return collectMarketRecords(rows)
}

func collectMarketRecords(rows pgx.Rows) ([]domain.MarketRecord, error) {
	var records []domain.MarketRecord
	for rows.Next() {
		r, err := scanMarketRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Compile-time interface check.
var _ domain.MarketRecordStore = (*MarketRecordStore)(nil)
