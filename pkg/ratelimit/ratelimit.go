package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
// budgeting requests per minute per caller.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, rpm int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(rpm),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes one request from the caller's minute budget.
func (l *Limiter) Allow(ctx context.Context, callerID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:caller:%s", callerID)
	res, err := l.store.AllowN(ctx, key, 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, callerID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:caller:%s", callerID)
	return l.store.Status(ctx, key)
}
