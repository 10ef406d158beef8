package domain

import (
	"context"
	"time"
)

// LockManager provides distributed, TTL-bounded mutual exclusion keyed by an
// arbitrary string. The coordinator uses it to serialize lifecycle runs for
// the same (season, participant) pair.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld if the
	// lock is currently owned elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// HybridPriceCache stores the latest blended price per market for cheap
// read-side access (UI, arbitrage view).
type HybridPriceCache interface {
	SetHybridPrice(ctx context.Context, p HybridPrice) error
	// GetHybridPrice returns ErrNotFound when no price was ever pushed.
	GetHybridPrice(ctx context.Context, marketAddress string) (HybridPrice, error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides ephemeral pub/sub and durable stream messaging between
// engine components and read-side consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
