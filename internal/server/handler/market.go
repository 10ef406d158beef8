package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// EngineAPI is the engine surface the admin handlers call into.
type EngineAPI interface {
	MarketStatusFor(ctx context.Context, seasonID uint64, participant string) (domain.MarketRecord, error)
	FailedMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error)
	RetryFailedMarket(ctx context.Context, seasonID uint64, participant string) error
	CurrentHybridPrice(ctx context.Context, marketAddress string) (domain.HybridPrice, error)
	SeasonProbabilities(ctx context.Context, seasonID uint64, offset, limit int) ([]domain.Position, error)
}

// MarketHandler serves the market lifecycle and pricing endpoints.
type MarketHandler struct {
	engine EngineAPI
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(engine EngineAPI, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{engine: engine, logger: logger}
}

// marketRecordResponse is the wire form of a lifecycle record.
type marketRecordResponse struct {
	SeasonID           uint64  `json:"season_id"`
	Participant        string  `json:"participant"`
	Status             string  `json:"status"`
	ConditionID        *string `json:"condition_id,omitempty"`
	MarketAddress      *string `json:"market_address,omitempty"`
	LastProbabilityBps int     `json:"last_probability_bps"`
	FailedStep         string  `json:"failed_step,omitempty"`
	FailureReason      string  `json:"failure_reason,omitempty"`
	UpdatedAt          string  `json:"updated_at"`
}

func toMarketRecordResponse(r domain.MarketRecord) marketRecordResponse {
	return marketRecordResponse{
		SeasonID:           r.SeasonID,
		Participant:        r.Participant,
		Status:             string(r.Status),
		ConditionID:        r.ConditionID,
		MarketAddress:      r.MarketAddress,
		LastProbabilityBps: r.LastProbabilityBps,
		FailedStep:         string(r.FailedStep),
		FailureReason:      r.FailureReason,
		UpdatedAt:          r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// GetStatus returns the lifecycle record for a (season, participant) pair.
// GET /api/markets/{season}/{participant}/status
func (h *MarketHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	seasonID, err := seasonParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid season id")
		return
	}

	rec, err := h.engine.MarketStatusFor(r.Context(), seasonID, r.PathValue("participant"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketRecordResponse(rec))
}

// GetPrice returns the cached hybrid price for a market address.
// GET /api/markets/{address}/price
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.engine.CurrentHybridPrice(r.Context(), r.PathValue("address"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

// ListFailed returns lifecycle records stuck in the failed state.
// GET /api/markets/failed
func (h *MarketHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.FailedMarkets(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]marketRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toMarketRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failed": out,
		"count":  len(out),
	})
}

// Retry re-runs the lifecycle for a failed pair.
// POST /api/markets/{season}/{participant}/retry
func (h *MarketHandler) Retry(w http.ResponseWriter, r *http.Request) {
	seasonID, err := seasonParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid season id")
		return
	}
	participant := r.PathValue("participant")

	if err := h.engine.RetryFailedMarket(r.Context(), seasonID, participant); err != nil {
		h.logger.Warn("market retry failed",
			"season_id", seasonID,
			"participant", participant,
			"error", err)
		// The retry ran and failed again; the updated record carries the
		// failure detail.
		rec, getErr := h.engine.MarketStatusFor(r.Context(), seasonID, participant)
		if getErr != nil {
			writeDomainError(w, getErr)
			return
		}
		writeJSON(w, http.StatusConflict, toMarketRecordResponse(rec))
		return
	}

	rec, err := h.engine.MarketStatusFor(r.Context(), seasonID, participant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketRecordResponse(rec))
}
