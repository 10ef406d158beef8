package domain

import "time"

// Position is the authoritative (season, participant) ticket holding.
// ProbabilityBps is derived from TicketCount and the season total at the time
// of the last recomputation; it is stored so downstream consumers can detect
// which participants actually moved.
type Position struct {
	SeasonID       uint64
	Participant    string // checksummed hex address
	TicketCount    uint64
	ProbabilityBps int
	UpdatedAt      time.Time
}

// TicketProbabilityBps computes floor(tickets * 10000 / total) in basis
// points. A zero total yields 0 for everyone.
func TicketProbabilityBps(tickets, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(tickets * 10000 / total)
}

// ProbabilityChange describes one participant whose derived probability moved
// during a recomputation pass.
type ProbabilityChange struct {
	SeasonID    uint64 `json:"season_id"`
	Participant string `json:"participant"`
	OldBps      int    `json:"old_bps"`
	NewBps      int    `json:"new_bps"`
}

// ProbabilityBatch is the "probabilities changed" emission produced by one
// bounded recomputation pass. MorePending signals that the season still has
// unrepriced participants beyond the batch cap.
type ProbabilityBatch struct {
	SeasonID    uint64              `json:"season_id"`
	Seq         uint64              `json:"seq"`
	Changes     []ProbabilityChange `json:"changes"`
	MorePending bool                `json:"more_pending"`
}
