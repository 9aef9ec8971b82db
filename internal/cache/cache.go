package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/internal/provider"
)

// DefaultTTL bounds staleness when no TTL is configured.
const DefaultTTL = time.Hour

// Store is a fingerprint-keyed response cache. Implementations are
// safe for concurrent use. Get reports ok=false for never-seen and
// expired keys alike; Put overwrites unconditionally, last write wins.
// Only finalized responses go in.
type Store interface {
	Get(ctx context.Context, key string) (*provider.Response, bool, error)
	Put(ctx context.Context, key string, resp *provider.Response) error
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// StartSweeper runs Sweep at the given interval until ctx is
// cancelled. Lazy expiry already keeps reads correct; sweeping just
// bounds the memory held by dead entries. A non-positive interval
// disables it.
func StartSweeper(ctx context.Context, s Store, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("cache sweep failed")
					continue
				}
				if removed > 0 {
					logger.Debug().Int("removed", removed).Msg("cache swept")
				}
			}
		}
	}()
}
