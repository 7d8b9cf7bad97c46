package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SweeperConfig struct {
	Interval time.Duration
	// InFlightTimeout is how long an attempt may wait for its outcome.
	InFlightTimeout time.Duration
	// ClaimTimeout is how long a claim may stay unworked.
	ClaimTimeout time.Duration
	BatchSize    int
}

// Sweeper turns silent in-flight attempts into timeouts and returns
// abandoned claims to the queue.
type Sweeper struct {
	store      Store
	dispatcher *Dispatcher
	config     SweeperConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(store Store, dispatcher *Dispatcher, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = 30 * time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger.Named("sweeper"),
		now:        time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	released, err := s.store.ReleaseStaleClaims(ctx, now.Add(-s.config.ClaimTimeout))
	if err != nil {
		s.logger.Error("failed to release stale claims", zap.Error(err))
	} else if released > 0 {
		s.logger.Warn("released stale claims", zap.Int("count", released))
	}

	stale, err := s.store.ListStaleInFlight(ctx, now.Add(-s.config.InFlightTimeout), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stale in-flight attempts", zap.Error(err))
		return
	}
	for _, r := range stale {
		if err := s.dispatcher.ExpireInFlight(ctx, r); err != nil {
			s.logger.Error("failed to expire in-flight attempt",
				zap.String("campaign_id", r.CampaignID.String()),
				zap.String("lead_id", r.LeadID.String()),
				zap.Error(err),
			)
		}
	}
}
