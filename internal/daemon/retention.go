package daemon

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes history rows older than a cutoff.
type Purger interface {
	PurgeRetention(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRetention purges history older than retention once immediately and then
// every interval until ctx is canceled. A non-positive retention disables it.
func RunRetention(ctx context.Context, p Purger, retention, interval time.Duration, logger *slog.Logger) {
	if p == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	purge := func() {
		n, err := p.PurgeRetention(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("history retention failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("history retention purged rows", "rows", n)
		}
	}
	purge()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
