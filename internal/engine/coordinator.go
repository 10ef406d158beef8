package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// MarketFactory is the chain surface the coordinator drives. Each method maps
// to one lifecycle step; chain.Factory is the production implementation.
type MarketFactory interface {
	PrepareCondition(ctx context.Context, seasonID uint64, participant string) (string, error)
	EscrowLiquidity(ctx context.Context, conditionID string, amount *big.Int) error
	DeployMarket(ctx context.Context, conditionID string) (string, error)
	TreasuryBalance(ctx context.Context) (*big.Int, error)
}

// Coordinator runs the three-step market creation state machine: prepare
// condition, escrow liquidity, deploy market. State is persisted after every
// step, so a failed run leaves behind the artifacts of its completed steps
// and a retry resumes at the first incomplete one. A distributed lock keyed
// by (season, participant) keeps concurrent triggers from double-running.
type Coordinator struct {
	records domain.MarketRecordStore
	factory MarketFactory
	locks   domain.LockManager
	alerter Alerter
	seed    *big.Int
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a Coordinator. seed is the liquidity escrowed into
// every new market, in the liquidity token's smallest unit.
func NewCoordinator(
	records domain.MarketRecordStore,
	factory MarketFactory,
	locks domain.LockManager,
	alerter Alerter,
	seed *big.Int,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		records: records,
		factory: factory,
		locks:   locks,
		alerter: alerter,
		seed:    seed,
		lockTTL: lockTTL,
		logger:  logger.With("component", "coordinator"),
		now:     time.Now,
	}
}

func marketLockKey(seasonID uint64, participant string) string {
	return fmt.Sprintf("market:%d:%s", seasonID, strings.ToLower(participant))
}

// EnsureMarket drives the pair's market toward the created state, resuming a
// partial or failed run at its first incomplete step. It is a no-op when the
// market already exists. A concurrently held lock is treated as success: the
// in-flight run owns the work.
func (c *Coordinator) EnsureMarket(ctx context.Context, seasonID uint64, participant string, probabilityBps int) error {
	unlock, err := c.locks.Acquire(ctx, marketLockKey(seasonID, participant), c.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.Debug("lifecycle already in flight",
				"season_id", seasonID, "participant", participant)
			return nil
		}
		return fmt.Errorf("engine: acquire lifecycle lock: %w", err)
	}
	defer unlock()

	rec, err := c.loadOrCreate(ctx, seasonID, participant, probabilityBps)
	if err != nil {
		return err
	}
	if rec.Status == domain.MarketStatusCreated {
		return nil
	}

	rec.LastProbabilityBps = probabilityBps
	return c.run(ctx, rec)
}

// Retry re-runs the lifecycle for a failed pair using the probability that
// was current at the original trigger. It returns domain.ErrNotFound when no
// record exists.
func (c *Coordinator) Retry(ctx context.Context, seasonID uint64, participant string) error {
	rec, err := c.records.Get(ctx, seasonID, participant)
	if err != nil {
		return fmt.Errorf("engine: load market record: %w", err)
	}
	if rec.Status == domain.MarketStatusCreated {
		return nil
	}

	unlock, err := c.locks.Acquire(ctx, marketLockKey(seasonID, participant), c.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		return fmt.Errorf("engine: acquire lifecycle lock: %w", err)
	}
	defer unlock()

	// Reload under the lock; the in-flight run we raced may have advanced it.
	rec, err = c.records.Get(ctx, seasonID, participant)
	if err != nil {
		return fmt.Errorf("engine: load market record: %w", err)
	}
	if rec.Status == domain.MarketStatusCreated {
		return nil
	}
	return c.run(ctx, rec)
}

// Reconcile applies an on-chain MarketCreated confirmation to the record,
// creating one if the event arrived for a pair this instance never triggered.
func (c *Coordinator) Reconcile(ctx context.Context, ev domain.MarketCreatedEvent) (domain.MarketRecord, error) {
	rec, err := c.records.Get(ctx, ev.SeasonID, ev.Participant)
	if errors.Is(err, domain.ErrNotFound) {
		now := c.now()
		rec = domain.MarketRecord{
			SeasonID:    ev.SeasonID,
			Participant: ev.Participant,
			Status:      domain.MarketStatusNone,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.records.Create(ctx, rec); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return rec, fmt.Errorf("engine: create market record: %w", err)
		}
	} else if err != nil {
		return rec, fmt.Errorf("engine: load market record: %w", err)
	}

	if rec.Status == domain.MarketStatusCreated {
		return rec, nil
	}

	now := c.now()
	rec.Status = domain.MarketStatusCreated
	rec.ConditionID = &ev.ConditionID
	rec.MarketAddress = &ev.MarketAddress
	if rec.EscrowedAt == nil {
		rec.EscrowedAt = &now
	}
	rec.FailedStep = ""
	rec.FailureReason = ""
	rec.UpdatedAt = now
	if err := c.records.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("engine: update market record: %w", err)
	}

	c.logger.Info("market record reconciled from chain",
		"season_id", ev.SeasonID,
		"participant", ev.Participant,
		"market", ev.MarketAddress)
	return rec, nil
}

func (c *Coordinator) loadOrCreate(ctx context.Context, seasonID uint64, participant string, probabilityBps int) (domain.MarketRecord, error) {
	rec, err := c.records.Get(ctx, seasonID, participant)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return rec, fmt.Errorf("engine: load market record: %w", err)
	}

	now := c.now()
	rec = domain.MarketRecord{
		SeasonID:           seasonID,
		Participant:        participant,
		Status:             domain.MarketStatusNone,
		LastProbabilityBps: probabilityBps,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.records.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return c.records.Get(ctx, seasonID, participant)
		}
		return rec, fmt.Errorf("engine: create market record: %w", err)
	}
	return rec, nil
}

// run executes the remaining lifecycle steps for rec, persisting after each.
func (c *Coordinator) run(ctx context.Context, rec domain.MarketRecord) error {
	if !rec.HasCondition() {
		conditionID, err := c.factory.PrepareCondition(ctx, rec.SeasonID, rec.Participant)
		if err != nil {
			return c.fail(ctx, rec, domain.StepPrepareCondition, err)
		}
		rec.ConditionID = &conditionID
		rec.Status = domain.MarketStatusConditionPrepared
		if err := c.persist(ctx, &rec); err != nil {
			return err
		}
	}

	if !rec.HasEscrow() {
		balance, err := c.factory.TreasuryBalance(ctx)
		if err != nil {
			return c.fail(ctx, rec, domain.StepEscrowLiquidity, err)
		}
		if balance.Cmp(c.seed) < 0 {
			err := fmt.Errorf("%w: have %s, need %s",
				domain.ErrInsufficientTreasury, balance, c.seed)
			return c.fail(ctx, rec, domain.StepEscrowLiquidity, err)
		}
		if err := c.factory.EscrowLiquidity(ctx, *rec.ConditionID, c.seed); err != nil {
			return c.fail(ctx, rec, domain.StepEscrowLiquidity, err)
		}
		escrowedAt := c.now()
		rec.EscrowedAt = &escrowedAt
		rec.Status = domain.MarketStatusLiquidityEscrowed
		if err := c.persist(ctx, &rec); err != nil {
			return err
		}
	}

	if !rec.HasMarket() {
		marketAddress, err := c.factory.DeployMarket(ctx, *rec.ConditionID)
		if err != nil {
			return c.fail(ctx, rec, domain.StepDeployMarket, err)
		}
		rec.MarketAddress = &marketAddress
	}

	rec.Status = domain.MarketStatusCreated
	rec.FailedStep = ""
	rec.FailureReason = ""
	if err := c.persist(ctx, &rec); err != nil {
		return err
	}

	c.logger.Info("market created",
		"season_id", rec.SeasonID,
		"participant", rec.Participant,
		"market", *rec.MarketAddress,
		"probability_bps", rec.LastProbabilityBps)
	return nil
}

// fail marks the record failed at step and surfaces the cause. The record
// keeps every artifact produced so far, so the next run resumes after them.
func (c *Coordinator) fail(ctx context.Context, rec domain.MarketRecord, step domain.LifecycleStep, cause error) error {
	rec.Status = domain.MarketStatusFailed
	rec.FailedStep = step
	rec.FailureReason = cause.Error()
	if err := c.persist(ctx, &rec); err != nil {
		c.logger.Error("persist failed record", "error", err)
	}

	c.logger.Error("market lifecycle failed",
		"season_id", rec.SeasonID,
		"participant", rec.Participant,
		"step", string(step),
		"error", cause)
	c.alerter.Alert(ctx, "market_failed",
		fmt.Sprintf("season %d participant %s failed at %s: %v",
			rec.SeasonID, rec.Participant, step, cause))

	return fmt.Errorf("engine: lifecycle step %s: %w", step, cause)
}

func (c *Coordinator) persist(ctx context.Context, rec *domain.MarketRecord) error {
	rec.UpdatedAt = c.now()
	if err := c.records.Update(ctx, *rec); err != nil {
		return fmt.Errorf("engine: update market record: %w", err)
	}
	return nil
}
