package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultCacheTTL = 10 * time.Minute

// CachedReader is a read-through redis cache in front of a Reader. Only
// product and variant-list lookups are cached; pricing always reads through
// so that stock is current at checkout. Redis failures degrade to the
// underlying reader.
type CachedReader struct {
	Reader
	client  *redis.Client
	baseTTL time.Duration
}

func NewCachedReader(next Reader, client *redis.Client, ttl time.Duration) *CachedReader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedReader{Reader: next, client: client, baseTTL: ttl}
}

func productKey(id string) string {
	return fmt.Sprintf("catalog:product:%s", id)
}

func variantsKey(productID string) string {
	return fmt.Sprintf("catalog:variants:%s", productID)
}

func (c *CachedReader) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	if c.get(ctx, productKey(id), &p) {
		return &p, nil
	}

	fresh, err := c.Reader.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, productKey(id), fresh)
	return fresh, nil
}

func (c *CachedReader) ListVariants(ctx context.Context, productID string) ([]Variant, error) {
	var variants []Variant
	if c.get(ctx, variantsKey(productID), &variants) {
		return variants, nil
	}

	fresh, err := c.Reader.ListVariants(ctx, productID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, variantsKey(productID), fresh)
	return fresh, nil
}

func (c *CachedReader) get(ctx context.Context, key string, dst any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog: redis get failed, reading through")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog: corrupt cache entry, reading through")
		return false
	}
	return true
}

func (c *CachedReader) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog: failed to marshal cache entry")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl()).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog: redis set failed")
	}
}

// ttl spreads expiry over an extra tenth of the base TTL.
func (c *CachedReader) ttl() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(c.baseTTL)/10 + 1))
	return c.baseTTL + jitter
}
