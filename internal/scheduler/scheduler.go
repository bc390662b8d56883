// Package scheduler triggers periodic scrapes of every configured source.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valeevte/pricearchive/internal/logger"
	"github.com/valeevte/pricearchive/internal/pipeline"
	"github.com/valeevte/pricearchive/internal/runlock"
	"github.com/valeevte/pricearchive/internal/scraper"
)

const defaultInterval = time.Hour

// Runner scrapes one source; implemented by pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, a scraper.Adapter) (pipeline.Report, error)
}

type Config struct {
	Interval time.Duration
	// LockTTL bounds how long a crashed run keeps its source locked; defaults to Interval.
	LockTTL time.Duration
}

// Run starts a pass immediately and then one per interval, blocking until ctx
// is cancelled. Sources in a pass run concurrently; a source whose previous
// run still holds its lock is skipped.
func Run(ctx context.Context, runner Runner, adapters []scraper.Adapter, locker runlock.Locker, cfg Config, log *logger.Logger) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = interval
	}
	log = log.With("component", "Scheduler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("started", "interval", interval, "sources", len(adapters))

	var wg sync.WaitGroup
	defer wg.Wait()

	pass := func() {
		for _, a := range adapters {
			wg.Add(1)
			go func(a scraper.Adapter) {
				defer wg.Done()
				runSource(ctx, runner, a, locker, ttl, log)
			}(a)
		}
	}

	pass()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		case <-ticker.C:
			pass()
		}
	}
}

func runSource(ctx context.Context, runner Runner, a scraper.Adapter, locker runlock.Locker, ttl time.Duration, log *logger.Logger) {
	log = log.With("source", a.Source())
	release, err := locker.Acquire(ctx, "scrape:"+a.Source(), ttl)
	if errors.Is(err, runlock.ErrHeld) {
		log.Warn("previous run still in progress, skipping")
		return
	}
	if err != nil {
		log.Error("run lock unavailable", "error", err)
		return
	}
	defer release()

	rep, err := runner.Run(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("run interrupted", "error", err)
			return
		}
		log.Error("run failed", "error", err, "candidates", rep.Candidates, "failed", rep.Upsert.Failed)
		return
	}
	log.Info("run complete", "duration", rep.Duration, "candidates", rep.Candidates,
		"inserted", rep.Upsert.Inserted, "price_points", rep.Upsert.PricePoints)
}
