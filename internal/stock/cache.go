package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const summaryVersionKey = "stock:summary:version"

// SummaryCache stores product summaries in Redis under a global version that every mutation bumps.
// A nil *SummaryCache loads straight through.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewSummaryCache instantiates the cache helper.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising it when missing.
func (c *SummaryCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, summaryVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so two cold readers agree on the first version.
		if err := c.client.SetNX(ctx, summaryVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, summaryVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *SummaryCache) key(ctx context.Context, productID int64, threshold int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("stock:summary:%d:%d:%d", productID, threshold, ver), nil
}

// Summary returns the cached summary of productID or builds it with loader.
// Concurrent misses for the same key share one load.
func (c *SummaryCache) Summary(ctx context.Context, productID, threshold int64, loader func(context.Context) (Summary, error)) (Summary, error) {
	if loader == nil {
		return Summary{}, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, productID, threshold)
	if err != nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summary Summary
		if err := json.Unmarshal(payload, &summary); err == nil {
			return summary, nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		summary, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(summary); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return summary, nil
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

// Bump invalidates every cached summary by incrementing the version.
func (c *SummaryCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, summaryVersionKey).Err()
}
