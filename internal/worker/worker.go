package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/redis"
)

// Locker hands out the per-(campaign, lead) lock; see redis.Locker.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*redis.Lock, error)
}

type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	// LockTTL bounds one dispatch, provider call included.
	LockTTL time.Duration
}

// Pool is one feeder claiming due recipients and Workers goroutines
// dispatching them.
type Pool struct {
	store      Store
	dispatcher *Dispatcher
	locker     Locker
	config     Config
	logger     *zap.Logger
}

func NewPool(store Store, dispatcher *Dispatcher, locker Locker, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}

	return &Pool{
		store:      store,
		dispatcher: dispatcher,
		locker:     locker,
		config:     cfg,
		logger:     logger.Named("pool"),
	}
}

// PairKey names the lock that serializes attempts of one recipient.
func PairKey(r *campaign.Recipient) string {
	return fmt.Sprintf("pair:%s:%s", r.CampaignID, r.LeadID)
}

// Run blocks until ctx is done. Dispatches already started finish before it
// returns.
func (p *Pool) Run(ctx context.Context) error {
	jobs := make(chan *campaign.Recipient)

	var g errgroup.Group
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			for r := range jobs {
				p.handle(ctx, r)
			}
			return nil
		})
	}

	p.logger.Info("dispatch pool started",
		zap.Int("workers", p.config.Workers),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		p.feed(ctx, jobs)

		select {
		case <-ctx.Done():
			close(jobs)
			err := g.Wait()
			p.logger.Info("dispatch pool stopped")
			return err
		case <-ticker.C:
		}
	}
}

func (p *Pool) feed(ctx context.Context, jobs chan<- *campaign.Recipient) {
	if ctx.Err() != nil {
		return
	}
	due, err := p.store.ClaimDue(ctx, time.Now(), p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim due recipients", zap.Error(err))
		return
	}

	for _, r := range due {
		select {
		case jobs <- r:
		case <-ctx.Done():
			// unhanded claims go back to the queue through the sweeper
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, r *campaign.Recipient) {
	// A started attempt completes even during shutdown.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.LockTTL)
	defer cancel()

	lock, err := p.locker.Acquire(dctx, PairKey(r), p.config.LockTTL)
	if err != nil {
		if !errors.Is(err, redis.ErrLocked) {
			p.logger.Error("failed to acquire pair lock", zap.String("lead_id", r.LeadID.String()), zap.Error(err))
		}
		if err := p.dispatcher.Release(dctx, r, time.Now().Add(5*time.Second)); err != nil {
			p.logger.Error("failed to release claim", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := lock.Release(dctx); err != nil {
			p.logger.Warn("failed to release pair lock", zap.Error(err))
		}
	}()

	if err := p.dispatcher.DispatchRecipient(dctx, r); err != nil {
		p.logger.Error("dispatch failed",
			zap.String("campaign_id", r.CampaignID.String()),
			zap.String("lead_id", r.LeadID.String()),
			zap.Error(err),
		)
	}
}
