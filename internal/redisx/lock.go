package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("redisx: lock held")

// releaseScript deletes the key only while it still holds the caller's token, so a holder
// whose TTL expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	R   redis.Cmdable
	TTL time.Duration
	// NewToken defaults to uuid.NewString.
	NewToken func() string
}

// LockPayout takes the payout lock of sellerID. The returned func releases it.
func (l *Locker) LockPayout(ctx context.Context, sellerID string) (func(context.Context) error, error) {
	key := fmt.Sprintf(KeyPayoutLock, sellerID)
	token := uuid.NewString()
	if l.NewToken != nil {
		token = l.NewToken()
	}
	ok, err := l.R.SetNX(ctx, key, token, l.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.R, []string{key}, token).Err()
	}, nil
}
