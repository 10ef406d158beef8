package handler

import (
	"log/slog"
	"net/http"
)

// SeasonHandler serves season-level probability queries.
type SeasonHandler struct {
	engine EngineAPI
	logger *slog.Logger
}

// NewSeasonHandler creates a SeasonHandler.
func NewSeasonHandler(engine EngineAPI, logger *slog.Logger) *SeasonHandler {
	return &SeasonHandler{engine: engine, logger: logger}
}

type probabilityResponse struct {
	Participant    string `json:"participant"`
	TicketCount    uint64 `json:"ticket_count"`
	ProbabilityBps int    `json:"probability_bps"`
}

// ListProbabilities returns the active positions of a season with their
// derived win probabilities, ordered by participant address.
// GET /api/seasons/{season}/probabilities
func (h *SeasonHandler) ListProbabilities(w http.ResponseWriter, r *http.Request) {
	seasonID, err := seasonParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid season id")
		return
	}

	opts := parseListOpts(r)
	positions, err := h.engine.SeasonProbabilities(r.Context(), seasonID, opts.Offset, opts.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]probabilityResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, probabilityResponse{
			Participant:    p.Participant,
			TicketCount:    p.TicketCount,
			ProbabilityBps: p.ProbabilityBps,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"season_id":     seasonID,
		"probabilities": out,
		"count":         len(out),
	})
}
