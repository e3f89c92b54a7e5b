package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Idempotency maps a payment reference to the order it already produced.
type Idempotency struct{ R redis.Cmdable }

// Lookup returns the order id remembered for ref, or "" when none is.
func (i *Idempotency) Lookup(ctx context.Context, ref string) (string, error) {
	id, err := i.R.Get(ctx, fmt.Sprintf(KeyIdemConfirm, ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (i *Idempotency) Remember(ctx context.Context, ref, orderID string) error {
	return i.R.Set(ctx, fmt.Sprintf(KeyIdemConfirm, ref), orderID, TTLIdempotency).Err()
}
