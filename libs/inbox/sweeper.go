package inbox

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper purges ledger records past the retention horizon on a fixed
// interval.
type Sweeper struct {
	purger   Purger
	logger   *slog.Logger
	horizon  time.Duration
	interval time.Duration
}

type SweeperConfig struct {
	Horizon  time.Duration // default 30 days
	Interval time.Duration // default 1h
}

func NewSweeper(purger Purger, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{purger: purger, logger: logger, horizon: cfg.Horizon, interval: cfg.Interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.horizon)
			purged, err := s.purger.Purge(ctx, cutoff)
			if err != nil {
				s.logger.Error("inbox purge failed", "err", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("inbox purged", "records", purged, "cutoff", cutoff)
			}
		}
	}
}
