package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositionStore is an in-memory domain.PositionStore.
type fakePositionStore struct {
	mu        sync.Mutex
	seasons   map[uint64]domain.Season
	positions map[string]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{
		seasons:   make(map[uint64]domain.Season),
		positions: make(map[string]domain.Position),
	}
}

func posKey(seasonID uint64, participant string) string {
	return fmt.Sprintf("%d:%s", seasonID, strings.ToLower(participant))
}

func (s *fakePositionStore) UpsertSeason(_ context.Context, season domain.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seasons[season.ID] = season
	return nil
}

func (s *fakePositionStore) GetSeason(_ context.Context, seasonID uint64) (domain.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	season, ok := s.seasons[seasonID]
	if !ok {
		return domain.Season{}, domain.ErrNotFound
	}
	return season, nil
}

func (s *fakePositionStore) ListSeasons(_ context.Context) ([]domain.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Season, 0, len(s.seasons))
	for _, season := range s.seasons {
		out = append(out, season)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakePositionStore) UpsertPosition(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(p.SeasonID, p.Participant)] = p
	return nil
}

func (s *fakePositionStore) GetPosition(_ context.Context, seasonID uint64, participant string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(seasonID, participant)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositionStore) active(seasonID uint64) []domain.Position {
	var out []domain.Position
	for _, p := range s.positions {
		if p.SeasonID == seasonID && p.TicketCount > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Participant) < strings.ToLower(out[j].Participant)
	})
	return out
}

func (s *fakePositionStore) ListActive(_ context.Context, seasonID uint64, offset, limit int) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.active(seasonID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *fakePositionStore) CountActive(_ context.Context, seasonID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active(seasonID)), nil
}

func (s *fakePositionStore) SumTickets(_ context.Context, seasonID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum uint64
	for _, p := range s.positions {
		if p.SeasonID == seasonID {
			sum += p.TicketCount
		}
	}
	return sum, nil
}

func (s *fakePositionStore) UpdateProbabilities(_ context.Context, seasonID uint64, changes []domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range changes {
		s.positions[posKey(seasonID, p.Participant)] = p
	}
	return nil
}

// fakeRecordStore is an in-memory domain.MarketRecordStore.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]domain.MarketRecord
	updates int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]domain.MarketRecord)}
}

func (s *fakeRecordStore) Create(_ context.Context, r domain.MarketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := posKey(r.SeasonID, r.Participant)
	if _, ok := s.records[key]; ok {
		return domain.ErrAlreadyExists
	}
	s.records[key] = r
	return nil
}

func (s *fakeRecordStore) Update(_ context.Context, r domain.MarketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := posKey(r.SeasonID, r.Participant)
	if _, ok := s.records[key]; !ok {
		return domain.ErrNotFound
	}
	s.records[key] = r
	s.updates++
	return nil
}

func (s *fakeRecordStore) Get(_ context.Context, seasonID uint64, participant string) (domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[posKey(seasonID, participant)]
	if !ok {
		return domain.MarketRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *fakeRecordStore) GetByMarketAddress(_ context.Context, marketAddress string) (domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.MarketAddress != nil && strings.EqualFold(*r.MarketAddress, marketAddress) {
			return r, nil
		}
	}
	return domain.MarketRecord{}, domain.ErrNotFound
}

func (s *fakeRecordStore) ListByStatus(_ context.Context, status domain.MarketStatus, _ domain.ListOpts) ([]domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MarketRecord
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRecordStore) ListBySeason(_ context.Context, seasonID uint64) ([]domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MarketRecord
	for _, r := range s.records {
		if r.SeasonID == seasonID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeOracleCallStore is an in-memory domain.OracleCallStore.
type fakeOracleCallStore struct {
	mu      sync.Mutex
	records []domain.OracleCallRecord
}

func (s *fakeOracleCallStore) Insert(_ context.Context, rec domain.OracleCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeOracleCallStore) ListByMarket(_ context.Context, marketAddress string, _ domain.ListOpts) ([]domain.OracleCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OracleCallRecord
	for _, r := range s.records {
		if strings.EqualFold(r.MarketAddress, marketAddress) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeOracleCallStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.OracleCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeOracleCallStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeOracleCallStore) all() []domain.OracleCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OracleCallRecord, len(s.records))
	copy(out, s.records)
	return out
}

// fakePriceCache is an in-memory domain.HybridPriceCache.
type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]domain.HybridPrice
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: make(map[string]domain.HybridPrice)}
}

func (c *fakePriceCache) SetHybridPrice(_ context.Context, p domain.HybridPrice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[strings.ToLower(p.MarketAddress)] = p
	return nil
}

func (c *fakePriceCache) GetHybridPrice(_ context.Context, marketAddress string) (domain.HybridPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[strings.ToLower(marketAddress)]
	if !ok {
		return domain.HybridPrice{}, domain.ErrNotFound
	}
	return p, nil
}

// fakeLockManager implements domain.LockManager. Setting held simulates a
// concurrently owned lock.
type fakeLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (l *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// fakeSignalBus records published payloads.
type fakeSignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newFakeSignalBus() *fakeSignalBus {
	return &fakeSignalBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *fakeSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeSignalBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeSignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeSignalBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// fakeFactory scripts the lifecycle steps. Set failEscrow or treasury to
// exercise the failure paths; call counters verify idempotent resumes.
type fakeFactory struct {
	mu sync.Mutex

	treasury   *big.Int
	failStep   domain.LifecycleStep
	failErr    error
	failsLeft  int
	prepares   int
	escrows    int
	deploys    int
	nextMarket string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		treasury:   big.NewInt(1_000_000_000),
		nextMarket: "0x00000000000000000000000000000000000000aa",
	}
}

func (f *fakeFactory) stepFails(step domain.LifecycleStep) error {
	if f.failStep == step && f.failsLeft != 0 {
		if f.failsLeft > 0 {
			f.failsLeft--
		}
		return f.failErr
	}
	return nil
}

func (f *fakeFactory) PrepareCondition(_ context.Context, seasonID uint64, participant string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepFails(domain.StepPrepareCondition); err != nil {
		return "", err
	}
	f.prepares++
	return fmt.Sprintf("0xc0nd-%d-%s", seasonID, strings.ToLower(participant)), nil
}

func (f *fakeFactory) EscrowLiquidity(_ context.Context, _ string, _ *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepFails(domain.StepEscrowLiquidity); err != nil {
		return err
	}
	f.escrows++
	return nil
}

func (f *fakeFactory) DeployMarket(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepFails(domain.StepDeployMarket); err != nil {
		return "", err
	}
	f.deploys++
	return f.nextMarket, nil
}

func (f *fakeFactory) TreasuryBalance(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.treasury), nil
}

// fakeOracleBackend scripts write outcomes per call.
type fakeOracleBackend struct {
	mu        sync.Mutex
	failsLeft int
	failErr   error
	calls     []WriteTask
}

func (b *fakeOracleBackend) write(marketAddress string, fn domain.OracleFunc, valueBps int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, WriteTask{MarketAddress: marketAddress, Function: fn, ValueBps: valueBps})
	if b.failsLeft != 0 {
		if b.failsLeft > 0 {
			b.failsLeft--
		}
		return "", b.failErr
	}
	return fmt.Sprintf("0xtx%04d", len(b.calls)), nil
}

func (b *fakeOracleBackend) WriteRaffleProbability(_ context.Context, marketAddress string, probabilityBps int) (string, error) {
	return b.write(marketAddress, domain.OracleFuncRaffle, probabilityBps)
}

func (b *fakeOracleBackend) WriteMarketSentiment(_ context.Context, marketAddress string, sentimentBps int) (string, error) {
	return b.write(marketAddress, domain.OracleFuncSentiment, sentimentBps)
}

func (b *fakeOracleBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// fakeAlerter records delivered alerts.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(_ context.Context, kind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, kind+": "+message)
}

func (a *fakeAlerter) count(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.alerts {
		if strings.HasPrefix(al, kind+": ") {
			n++
		}
	}
	return n
}

// fakeRaffleSource serves scripted contract reads for mirror verification.
type fakeRaffleSource struct {
	totals    map[uint64]uint64
	positions map[string]uint64
}

func (f *fakeRaffleSource) SeasonTotalTickets(_ context.Context, seasonID uint64) (uint64, error) {
	return f.totals[seasonID], nil
}

func (f *fakeRaffleSource) ParticipantPosition(_ context.Context, _ uint64, participant string) (uint64, error) {
	return f.positions[participant], nil
}
