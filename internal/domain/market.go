package domain

import "time"

// MarketStatus is the lifecycle state of a participant's prediction market.
// Transitions are monotonic except for Failed, which is reachable from any
// in-progress state and always safely retryable.
type MarketStatus string

const (
	MarketStatusNone              MarketStatus = "no_market"
	MarketStatusConditionPrepared MarketStatus = "condition_prepared"
	MarketStatusLiquidityEscrowed MarketStatus = "liquidity_escrowed"
	MarketStatusCreated           MarketStatus = "market_created"
	MarketStatusFailed            MarketStatus = "failed"
)

// LifecycleStep names one step of the market-creation workflow, recorded on
// failure so a retry can resume at the first incomplete step.
type LifecycleStep string

const (
	StepPrepareCondition LifecycleStep = "prepare_condition"
	StepEscrowLiquidity  LifecycleStep = "escrow_liquidity"
	StepDeployMarket     LifecycleStep = "deploy_market"
)

// MarketRecord tracks the market-creation state machine for one
// (season, participant) pair. It is written exclusively by the lifecycle
// coordinator. ConditionID, EscrowedAt, and MarketAddress are the idempotency
// artifacts: their presence is proof that the corresponding step already
// succeeded, and a retry must not repeat it.
type MarketRecord struct {
	SeasonID           uint64
	Participant        string
	Status             MarketStatus
	ConditionID        *string
	MarketAddress      *string
	EscrowedAt         *time.Time
	LastProbabilityBps int
	FailedStep         LifecycleStep
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCondition reports whether condition preparation already succeeded.
func (r MarketRecord) HasCondition() bool {
	return r.ConditionID != nil && *r.ConditionID != ""
}

// HasEscrow reports whether seed liquidity was already escrowed.
func (r MarketRecord) HasEscrow() bool {
	return r.EscrowedAt != nil
}

// HasMarket reports whether the market contract was already deployed.
func (r MarketRecord) HasMarket() bool {
	return r.MarketAddress != nil && *r.MarketAddress != ""
}
