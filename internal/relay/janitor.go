package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-relay/internal/metrics"
	"github.com/and161185/goph-relay/internal/repository"
)

// Janitor periodically drops pending messages older than the TTL.
type Janitor struct {
	store    repository.PendingRepository
	ttl      time.Duration
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewJanitor constructs a TTL sweeper.
func NewJanitor(store repository.PendingRepository, ttl, interval time.Duration, m *metrics.Metrics, log *zap.Logger) *Janitor {
	return &Janitor{store: store, ttl: ttl, interval: interval, log: log, metrics: m, now: time.Now}
}

// Sweep runs one purge pass.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.store.PurgeExpired(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	j.metrics.Purged(n)
	if n > 0 {
		j.log.Info("expired pending messages purged", zap.Int64("count", n), zap.Duration("ttl", j.ttl))
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged.
func (j *Janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("purge pending", zap.Error(err))
			}
		}
	}
}
