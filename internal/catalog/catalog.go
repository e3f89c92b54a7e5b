// Package catalog serves product snapshots for order confirmation through a Redis
// cache-aside layer in front of the ledger.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*ledger.Product, error)
}

type Cache struct {
	Store ProductStore
	Redis redis.Cmdable
	TTL   time.Duration
	Log   *zap.Logger

	group singleflight.Group
}

func New(store ProductStore, rdb redis.Cmdable, log *zap.Logger) *Cache {
	return &Cache{Store: store, Redis: rdb, TTL: redisx.TTLProduct, Log: log}
}

// GetProduct returns ledger.ErrNotFound for unknown ids. Redis failures degrade to a store
// read; they are never returned.
func (c *Cache) GetProduct(ctx context.Context, id string) (*ledger.Product, error) {
	key := fmt.Sprintf(redisx.KeyProduct, id)
	if p, ok := c.cached(ctx, key); ok {
		return p, nil
	}

	// concurrent misses for one product share a single store read
	v, err, _ := c.group.Do(key, func() (any, error) {
		p, err := c.Store.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(p); err == nil {
			if err := c.Redis.Set(ctx, key, b, c.TTL).Err(); err != nil {
				c.Log.Warn("product cache set", zap.String("product_id", id), zap.Error(err))
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*ledger.Product)
	return &p, nil
}

func (c *Cache) cached(ctx context.Context, key string) (*ledger.Product, bool) {
	b, err := c.Redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Log.Warn("product cache get", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var p ledger.Product
	if err := json.Unmarshal(b, &p); err != nil {
		c.Log.Warn("product cache decode", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &p, true
}
