// Package engine implements the market lifecycle core: position tracking and
// probability recomputation, the threshold-triggered market creation state
// machine, the hybrid oracle write pipeline, and failure tracking.
package engine

// CrossedCreationThreshold reports whether a probability move crossed the
// market-creation threshold from below. Only upward crossings trigger
// creation; a position already at or above the threshold that moves higher
// does not re-trigger, and falling below never tears a market down.
func CrossedCreationThreshold(oldBps, newBps, thresholdBps int) bool {
	return oldBps < thresholdBps && newBps >= thresholdBps
}
