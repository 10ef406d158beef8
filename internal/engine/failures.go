package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Alerter delivers operator-facing alerts. Implementations live in the notify
// package; tests use an in-memory fake.
type Alerter interface {
	Alert(ctx context.Context, kind, message string)
}

// FailureTracker counts consecutive failures per key (typically a market
// address or a season/participant pair) and raises an alert when a key's
// count reaches the configured threshold. Repeat alerts for a still-failing
// key are suppressed for the cooldown window. A success resets the key and,
// if the key had previously alerted, emits a recovery notice.
type FailureTracker struct {
	threshold int
	cooldown  time.Duration
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	counts  map[string]int
	alerted map[string]time.Time
}

// NewFailureTracker creates a tracker with the given alert threshold and
// cooldown between repeat alerts for the same key.
func NewFailureTracker(threshold int, cooldown time.Duration, alerter Alerter, logger *slog.Logger) *FailureTracker {
	return &FailureTracker{
		threshold: threshold,
		cooldown:  cooldown,
		alerter:   alerter,
		logger:    logger.With("component", "failure_tracker"),
		now:       time.Now,
		counts:    make(map[string]int),
		alerted:   make(map[string]time.Time),
	}
}

// RecordFailure increments the consecutive-failure count for key and returns
// the new count. The alert, when due, is delivered after the internal lock is
// released so a slow alert channel never blocks other callers.
func (ft *FailureTracker) RecordFailure(ctx context.Context, key, reason string) int {
	ft.mu.Lock()
	ft.counts[key]++
	count := ft.counts[key]

	shouldAlert := false
	if count >= ft.threshold {
		last, ok := ft.alerted[key]
		if !ok || ft.now().Sub(last) >= ft.cooldown {
			ft.alerted[key] = ft.now()
			shouldAlert = true
		}
	}
	ft.mu.Unlock()

	ft.logger.Warn("failure recorded",
		"key", key,
		"count", count,
		"reason", reason)

	if shouldAlert {
		ft.alerter.Alert(ctx, "oracle_failure",
			fmt.Sprintf("%s: %d consecutive failures (latest: %s)", key, count, reason))
	}
	return count
}

// RecordSuccess resets the consecutive-failure count for key. If the key had
// crossed the alert threshold, a recovery notice is emitted.
func (ft *FailureTracker) RecordSuccess(ctx context.Context, key string) {
	ft.mu.Lock()
	count := ft.counts[key]
	delete(ft.counts, key)
	_, hadAlerted := ft.alerted[key]
	delete(ft.alerted, key)
	ft.mu.Unlock()

	if hadAlerted {
		ft.alerter.Alert(ctx, "oracle_recovery",
			fmt.Sprintf("%s: recovered after %d failures", key, count))
	}
}

// FailureCount returns the current consecutive-failure count for key.
func (ft *FailureTracker) FailureCount(key string) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.counts[key]
}
