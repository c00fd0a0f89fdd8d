package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ConsolidationSweeper periodically retries unmatched records and retires
// temporary orders that aged past the horizon. With redis configured, a
// redislock keeps the sweep single-instance across replicas; without redis
// every instance sweeps, which is safe but wasteful.
type ConsolidationSweeper struct {
	Engine   *workflow.Engine
	Logger   *logrus.Logger
	WorkerID string
	Interval time.Duration
	LockTTL  time.Duration
}

func NewConsolidationSweeper(engine *workflow.Engine, logger *logrus.Logger) *ConsolidationSweeper {
	return &ConsolidationSweeper{
		Engine:   engine,
		Logger:   logger,
		WorkerID: "sweep-" + time.Now().Format("20060102-150405.000"),
		Interval: engine.Cfg.SweepInterval,
		LockTTL:  engine.Cfg.SweepPassTimeout + 30*time.Second,
	}
}

func shouldRunConsolidationSweeper() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("CONSOLIDATION_SWEEP")))
	if val == "false" {
		return false
	}
	return true
}

func (s *ConsolidationSweeper) Run(ctx context.Context) {
	if s == nil || s.Engine == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *ConsolidationSweeper) sweepOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "sweep:consolidation", s.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
		if err != nil {
			config.LogError(s.Logger, "main", "sweepOnce", "obtain sweep lock", s.WorkerID, err)
			return
		}
		defer func() { _ = lock.Release(context.Background()) }()
	}

	if _, err := s.Engine.ConsolidateOnce(ctx); err != nil {
		config.LogError(s.Logger, "main", "sweepOnce", "consolidation pass", s.WorkerID, err)
	}
}
