// Package domain defines the core entities of the raffle / InfoFi engine:
// seasons, participant positions, market lifecycle records, oracle call
// history, and the store and cache interfaces the rest of the system is
// written against.
package domain

import "time"

// Season scopes all positions and markets. TotalTickets changes on every buy
// or sell; LastSeq is the highest applied event sequence number and guards
// against stale recomputations; SweepCursor is the offset of the next
// participant page to reprice.
type Season struct {
	ID           uint64
	TotalTickets uint64
	LastSeq      uint64
	SweepCursor  int
	UpdatedAt    time.Time
}

// EventSeq builds the per-season monotonic sequence number from a log's
// position in the chain. Log indexes fit comfortably in 16 bits.
func EventSeq(blockNumber uint64, logIndex uint) uint64 {
	return blockNumber<<16 | uint64(logIndex)&0xffff
}
