package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// OracleCallStore implements domain.OracleCallStore using PostgreSQL. Rows
// are inserted once per write attempt and never mutated afterwards.
type OracleCallStore struct {
	pool *pgxpool.Pool
}

// NewOracleCallStore creates a new OracleCallStore backed by the given
// connection pool.
func NewOracleCallStore(pool *pgxpool.Pool) *OracleCallStore {
	return &OracleCallStore{pool: pool}
}

const oracleCallCols = `id, market_address, function, value_bps, attempt,
	outcome, error, tx_hash, started_at, completed_at`

// Insert appends a completed attempt record.
func (s *OracleCallStore) Insert(ctx context.Context, rec domain.OracleCallRecord) error {
	const query = `
		INSERT INTO oracle_calls (
			id, market_address, function, value_bps, attempt,
			outcome, error, tx_hash, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.MarketAddress, string(rec.Function), rec.ValueBps, rec.Attempt,
		string(rec.Outcome), rec.Error, rec.TxHash, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert oracle call %s: %w", rec.ID, err)
	}
	return nil
}

// ListByMarket returns attempt history for one market, newest first.
func (s *OracleCallStore) ListByMarket(ctx context.Context, marketAddress string, opts domain.ListOpts) ([]domain.OracleCallRecord, error) {
	query := `SELECT ` + oracleCallCols + ` FROM oracle_calls WHERE market_address = $1`
	args := []any{marketAddress}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND started_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY started_at DESC"

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
		return nil, fmt.Errorf("postgres: list oracle calls: %w", err)
	}
	defer rows.Close()

	return collectOracleCalls(rows)
}

// ListBefore returns records started before cutoff, oldest first, bounded by
// limit. Used by the cold-storage archiver.
func (s *OracleCallStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OracleCallRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oracleCallCols+` FROM oracle_calls
		 WHERE started_at < $1 ORDER BY started_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list oracle calls before %s: %w", cutoff, err)
	}
	defer rows.Close()

	return collectOracleCalls(rows)
}

// DeleteBefore removes records started before cutoff and returns how many
// rows were deleted.
func (s *OracleCallStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oracle_calls WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete oracle calls before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func collectOracleCalls(rows pgx.Rows) ([]domain.OracleCallRecord, error) {
	var records []domain.OracleCallRecord
	for rows.Next() {
		var rec domain.OracleCallRecord
		var fn, outcome string
		if err := rows.Scan(
			&rec.ID, &rec.MarketAddress, &fn, &rec.ValueBps, &rec.Attempt,
			&outcome, &rec.Error, &rec.TxHash, &rec.StartedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan oracle call: %w", err)
		}
		rec.Function = domain.OracleFunc(fn)
		rec.Outcome = domain.OracleCallOutcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Compile-time interface check.
var _ domain.OracleCallStore = (*OracleCallStore)(nil)
