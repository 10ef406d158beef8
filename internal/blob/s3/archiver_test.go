package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

type fakeBlobWriter struct {
	objects map[string][]byte
	failPut error
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{objects: make(map[string][]byte)}
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, r io.Reader, _ string) error {
	if w.failPut != nil {
		return w.failPut
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	w.objects[path] = buf.Bytes()
	return nil
}

type memCallStore struct {
	records []domain.OracleCallRecord
}

func (s *memCallStore) Insert(_ context.Context, rec domain.OracleCallRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *memCallStore) ListByMarket(_ context.Context, _ string, _ domain.ListOpts) ([]domain.OracleCallRecord, error) {
	return nil, nil
}

func (s *memCallStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.OracleCallRecord, error) {
	var out []domain.OracleCallRecord
	for _, r := range s.records {
		if r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memCallStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.OracleCallRecord
	var deleted int64
	for _, r := range s.records {
		if r.StartedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCalls(store *memCallStore, n int, base time.Time) {
	for i := 0; i < n; i++ {
		store.records = append(store.records, domain.OracleCallRecord{
			ID:            fmt.Sprintf("rec-%03d", i),
			MarketAddress: "0xmarket",
			Function:      domain.OracleFuncRaffle,
			ValueBps:      i,
			Attempt:       1,
			Outcome:       domain.OracleCallSuccess,
			StartedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestArchiveOracleCallsMovesAgedRecords(t *testing.T) {
	writer := newFakeBlobWriter()
	store := &memCallStore{}
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	// Five aged records plus one inside the retention window.
	seedCalls(store, 5, now.Add(-48*time.Hour))
	store.records = append(store.records, domain.OracleCallRecord{
		ID:        "fresh",
		StartedAt: now.Add(-time.Hour),
	})

	a := NewArchiver(writer, store, 24*time.Hour, time.Hour, 100, discardLogger())
	a.now = func() time.Time { return now }

	archived, err := a.ArchiveOracleCalls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), archived)

	// One JSONL object with one line per record.
	require.Len(t, writer.objects, 1)
	for path, body := range writer.objects {
		assert.True(t, strings.HasPrefix(path, "archive/oracle_calls/2026-08-21/"), path)
		assert.True(t, strings.HasSuffix(path, ".jsonl"))
		lines := strings.Split(strings.TrimSpace(string(body)), "\n")
		assert.Len(t, lines, 5)
	}

	// The fresh record stays hot.
	require.Len(t, store.records, 1)
	assert.Equal(t, "fresh", store.records[0].ID)
}

func TestArchiveOracleCallsBatches(t *testing.T) {
	writer := newFakeBlobWriter()
	store := &memCallStore{}
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	seedCalls(store, 7, now.Add(-48*time.Hour))

	a := NewArchiver(writer, store, 24*time.Hour, time.Hour, 3, discardLogger())
	a.now = func() time.Time { return now }

	archived, err := a.ArchiveOracleCalls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), archived)
	assert.Len(t, writer.objects, 3, "7 records in batches of 3")
	assert.Empty(t, store.records)
}

func TestArchiveOracleCallsKeepsRowsOnUploadFailure(t *testing.T) {
	writer := newFakeBlobWriter()
	writer.failPut = errors.New("s3 unavailable")
	store := &memCallStore{}
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	seedCalls(store, 4, now.Add(-48*time.Hour))

	a := NewArchiver(writer, store, 24*time.Hour, time.Hour, 100, discardLogger())
	a.now = func() time.Time { return now }

	_, err := a.ArchiveOracleCalls(context.Background())
	require.Error(t, err)

	// Nothing was pruned; the next pass retries the same rows.
	assert.Len(t, store.records, 4)
}

func TestArchiveOracleCallsNothingAged(t *testing.T) {
	writer := newFakeBlobWriter()
	store := &memCallStore{}
	a := NewArchiver(writer, store, 24*time.Hour, time.Hour, 100, discardLogger())

	archived, err := a.ArchiveOracleCalls(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)
	assert.Empty(t, writer.objects)
}
