package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists seasons and participant positions.
type PositionStore interface {
	// UpsertSeason writes the season's totals, last applied sequence number,
	// and sweep cursor.
	UpsertSeason(ctx context.Context, s Season) error
	GetSeason(ctx context.Context, seasonID uint64) (Season, error)
	ListSeasons(ctx context.Context) ([]Season, error)

	UpsertPosition(ctx context.Context, p Position) error
	GetPosition(ctx context.Context, seasonID uint64, participant string) (Position, error)
	// ListActive returns positions with a nonzero ticket count, ordered by
	// participant address for a stable sweep order.
	ListActive(ctx context.Context, seasonID uint64, offset, limit int) ([]Position, error)
	CountActive(ctx context.Context, seasonID uint64) (int, error)
	// SumTickets returns the sum of all ticket counts in a season; used to
	// detect invariant violations against the season total.
	SumTickets(ctx context.Context, seasonID uint64) (uint64, error)
	// UpdateProbabilities batch-writes recomputed probability values.
	UpdateProbabilities(ctx context.Context, seasonID uint64, changes []Position) error
}

// MarketRecordStore persists the market lifecycle state machine. Records are
// created at most once per (season, participant) pair.
type MarketRecordStore interface {
	Create(ctx context.Context, r MarketRecord) error
	Update(ctx context.Context, r MarketRecord) error
	Get(ctx context.Context, seasonID uint64, participant string) (MarketRecord, error)
	GetByMarketAddress(ctx context.Context, marketAddress string) (MarketRecord, error)
	ListByStatus(ctx context.Context, status MarketStatus, opts ListOpts) ([]MarketRecord, error)
	ListBySeason(ctx context.Context, seasonID uint64) ([]MarketRecord, error)
}

// OracleCallStore persists the append-only oracle write audit log.
type OracleCallStore interface {
	Insert(ctx context.Context, rec OracleCallRecord) error
	ListByMarket(ctx context.Context, marketAddress string, opts ListOpts) ([]OracleCallRecord, error)
	// ListBefore returns records started before cutoff, oldest first, for
	// cold-storage archival.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]OracleCallRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
