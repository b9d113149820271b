package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultRetentionInterval is how often the retention job runs.
const DefaultRetentionInterval = time.Hour

// Retention prunes events older than MaxAge on a fixed interval.
type Retention struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRetention(store Store, maxAge, interval time.Duration, logger *zap.Logger) *Retention {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	return &Retention{store: store, maxAge: maxAge, interval: interval, logger: logger, now: time.Now}
}

func (r *Retention) WithClock(now func() time.Time) *Retention {
	r.now = now
	return r
}

// PruneOnce removes everything older than now-maxAge.
func (r *Retention) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("audit retention prune failed", zap.Error(err))
		return 0, err
	}
	r.logger.Info("audit retention prune",
		zap.Int64("pruned", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// Run prunes immediately and then every interval until ctx is cancelled.
func (r *Retention) Run(ctx context.Context) {
	if r.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.PruneOnce(ctx) //nolint:errcheck
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneOnce(ctx) //nolint:errcheck
		}
	}
}
