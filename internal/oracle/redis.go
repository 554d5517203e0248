package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisSource reads prices that an external feeder publishes into Redis
// under "price:<asset>" as decimal strings with 8 decimals.
type RedisSource struct {
	rdb redis.Cmdable
}

// NewRedisSource creates a source backed by rdb.
func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Price(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, PriceKey(asset)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, asset.Hex())
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis get price: %w", err)
	}
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return p, nil
}

// PriceKey is the Redis key a feeder writes the asset's price to.
func PriceKey(asset common.Address) string {
	return "price:" + strings.ToLower(asset.Hex())
}
