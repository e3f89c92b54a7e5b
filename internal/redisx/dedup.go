package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids of one source for TTLDedup.
type Dedup struct {
	R      redis.Cmdable
	Source string
}

func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.R, fmt.Sprintf(KeyDedup, d.Source, id))
}

// Mark records id; call it only after the event was fully applied.
func (d *Dedup) Mark(ctx context.Context, id string) error {
	return d.R.Set(ctx, fmt.Sprintf(KeyDedup, d.Source, id), "1", TTLDedup).Err()
}
