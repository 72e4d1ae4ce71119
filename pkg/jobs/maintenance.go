package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenPurger deletes refresh tokens that expired more than retention ago
type TokenPurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// CacheSweeper drops cache entries older than the cache's max age
type CacheSweeper interface {
	SweepCache() int
}

// RefreshPurgeJob deletes refresh tokens expired for longer than retention.
// Keeping them that long lets reuse of a recently expired token still be recognized.
func RefreshPurgeJob(purger TokenPurger, schedule string, retention time.Duration, logger *logrus.Logger) Job {
	return Job{
		Name:     "refresh_token_purge",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := purger.PurgeExpired(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.WithField("deleted", n).Info("purged expired refresh tokens")
			}
			return nil
		},
	}
}

// CacheSweepJob evicts permission cache entries past their max age
func CacheSweepJob(sweeper CacheSweeper, schedule string, logger *logrus.Logger) Job {
	return Job{
		Name:     "permission_cache_sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if n := sweeper.SweepCache(); n > 0 && logger != nil {
				logger.WithField("evicted", n).Debug("swept stale permission cache entries")
			}
			return nil
		},
	}
}
