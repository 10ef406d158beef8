package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafflefi/infofi-engine/internal/domain"
)

// HybridPriceCache implements domain.HybridPriceCache using Redis hashes.
// Each market's price is stored at key "hybrid:{market}" with fields for the
// blended value, both components, and a Unix nanosecond timestamp.
type HybridPriceCache struct {
	rdb *redis.Client
}

// NewHybridPriceCache creates a HybridPriceCache backed by the given Client.
func NewHybridPriceCache(c *Client) *HybridPriceCache {
	return &HybridPriceCache{rdb: c.Underlying()}
}

func hybridKey(marketAddress string) string {
	return "hybrid:" + strings.ToLower(marketAddress)
}

// SetHybridPrice stores the latest blended price for a market.
func (hc *HybridPriceCache) SetHybridPrice(ctx context.Context, p domain.HybridPrice) error {
	key := hybridKey(p.MarketAddress)
	fields := map[string]interface{}{
		"hybrid_bps":    strconv.Itoa(p.HybridBps),
		"raffle_bps":    strconv.Itoa(p.RaffleBps),
		"sentiment_bps": strconv.Itoa(p.SentimentBps),
		"ts":            strconv.FormatInt(p.UpdatedAt.UnixNano(), 10),
	}
	if err := hc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set hybrid price %s: %w", p.MarketAddress, err)
	}
	return nil
}

// GetHybridPrice retrieves the latest blended price for a market. It returns
// domain.ErrNotFound when no price was ever pushed.
func (hc *HybridPriceCache) GetHybridPrice(ctx context.Context, marketAddress string) (domain.HybridPrice, error) {
	key := hybridKey(marketAddress)
	vals, err := hc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.HybridPrice{}, fmt.Errorf("redis: get hybrid price %s: %w", marketAddress, err)
	}
	if len(vals) == 0 {
		return domain.HybridPrice{}, domain.ErrNotFound
	}

	p := domain.HybridPrice{MarketAddress: marketAddress}

	var parseErr error
	getInt := func(field string) int {
		s, ok := vals[field]
		if !ok {
			parseErr = domain.ErrNotFound
			return 0
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			parseErr = fmt.Errorf("redis: parse %s for %s: %w", field, marketAddress, err)
			return 0
		}
		return n
	}

	p.HybridBps = getInt("hybrid_bps")
	p.RaffleBps = getInt("raffle_bps")
	p.SentimentBps = getInt("sentiment_bps")
	if parseErr != nil {
		return domain.HybridPrice{}, parseErr
	}

	if tsStr, ok := vals["ts"]; ok {
		if tsNano, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			p.UpdatedAt = time.Unix(0, tsNano)
		}
	}

	return p, nil
}

// Compile-time interface check.
var _ domain.HybridPriceCache = (*HybridPriceCache)(nil)
