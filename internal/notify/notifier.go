// Package notify delivers operator alerts for the market lifecycle engine:
// oracle write failures and recoveries, failed market creations, and
// invariant violations. Alerts fan out to every configured channel and can be
// narrowed to specific event kinds.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Event kinds emitted by the engine.
const (
	EventOracleFailure      = "oracle_failure"
	EventOracleRecovery     = "oracle_recovery"
	EventMarketFailed       = "market_failed"
	EventInvariantViolation = "invariant_violation"
	EventMirrorDivergence   = "mirror_divergence"
)

// titles maps event kinds to the human-facing alert title.
var titles = map[string]string{
	EventOracleFailure:      "Oracle writes failing",
	EventOracleRecovery:     "Oracle writes recovered",
	EventMarketFailed:       "Market creation failed",
	EventInvariantViolation: "Position invariant violated",
	EventMirrorDivergence:   "Position mirror diverged from chain",
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to all configured senders, filtered by event kind.
// An empty kind filter allows everything. It satisfies engine.Alerter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. Only events named in
// events pass the filter; an empty list allows all kinds.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With("component", "notifier"),
	}
}

// Alert delivers an engine alert of the given kind to every sender. Delivery
// failures are logged, never propagated; alerting is best effort and must not
// disturb the engine's own error paths.
func (n *Notifier) Alert(ctx context.Context, kind, message string) {
	if len(n.events) > 0 && !n.events[kind] {
		n.logger.Debug("alert filtered out", "kind", kind)
		return
	}

	title, ok := titles[kind]
	if !ok {
		title = kind
	}

	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("alert delivery failed",
				"sender", s.Name(),
				"kind", kind,
				"error", err)
			continue
		}
		n.logger.Debug("alert delivered",
			"sender", s.Name(),
			"kind", kind)
	}
}

// postJSON is the shared HTTP helper for webhook-style senders. It posts the
// payload and treats any non-2xx status as an error, including a truncated
// response body for diagnosis.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, name string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
