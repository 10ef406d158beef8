package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// Archiver moves aged oracle call records out of the hot Postgres table into
// JSONL batches in the object store, then prunes them from the database. Rows
// are only deleted after their batch uploaded successfully; a failed upload
// leaves the rows in place for the next pass.
type Archiver struct {
	writer    domain.BlobWriter
	calls     domain.OracleCallStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver. retention is how long records stay in
// Postgres; interval is the pause between passes; batchSize caps the rows per
// uploaded object.
func NewArchiver(writer domain.BlobWriter, calls domain.OracleCallStore, retention, interval time.Duration, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Archiver{
		writer:    writer,
		calls:     calls,
		retention: retention,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "archiver"),
		now:       time.Now,
	}
}

// Run archives on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOracleCalls(ctx); err != nil {
				a.logger.Error("archive pass failed", "error", err)
			}
		}
	}
}

// ArchiveOracleCalls uploads all oracle call records older than the retention
// window and deletes them from the database. It returns the number of
// archived records.
func (a *Archiver) ArchiveOracleCalls(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)

	var total int64
	for {
		records, err := a.calls.ListBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(records) == 0 {
			break
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		path := archivePath(records[len(records)-1].StartedAt)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}

		// The batch is ordered oldest first; everything up to and including
		// its last record is now safely in cold storage.
		pruneBefore := records[len(records)-1].StartedAt.Add(time.Microsecond)
		deleted, err := a.calls.DeleteBefore(ctx, pruneBefore)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive prune: %w", err)
		}

		total += deleted
		a.logger.Info("oracle call batch archived",
			"path", path,
			"records", len(records),
			"pruned", deleted)

		if len(records) < a.batchSize {
			break
		}
	}

	return total, nil
}

// archivePath builds the object key for a batch, partitioned by day with a
// time suffix to keep batches from the same day distinct.
//
//	archive/oracle_calls/2026-08-23/143005.jsonl
func archivePath(last time.Time) string {
	return fmt.Sprintf("archive/oracle_calls/%s/%s.jsonl",
		last.UTC().Format("2006-01-02"),
		last.UTC().Format("150405"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
