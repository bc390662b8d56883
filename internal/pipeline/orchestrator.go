// Package pipeline runs one scrape of a source end to end: plan, fetch,
// interpret and reconcile.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/valeevte/pricearchive/internal/entities"
	"github.com/valeevte/pricearchive/internal/fetcher"
	"github.com/valeevte/pricearchive/internal/logger"
	"github.com/valeevte/pricearchive/internal/scraper"
	"github.com/valeevte/pricearchive/internal/upsert"
)

const defaultInterpretWorkers = 4

// Report describes one finished run.
type Report struct {
	Source            string
	Categories        int
	Requests          int
	FailedFetches     int
	FailedInterprets  int
	SkippedCategories int
	Candidates        int
	Upsert            upsert.Result
	Started           time.Time
	Duration          time.Duration
}

type Options struct {
	InterpretWorkers int
	// Now is the clock used for the price bucket; defaults to time.Now.
	Now func() time.Time
}

type Orchestrator struct {
	fetch   scraper.Fetcher
	db      *gorm.DB
	engine  *upsert.Engine
	log     *logger.Logger
	workers int
	now     func() time.Time
}

func New(fetch scraper.Fetcher, db *gorm.DB, engine *upsert.Engine, opts Options, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		fetch:   fetch,
		db:      db,
		engine:  engine,
		log:     log.With("component", "Orchestrator"),
		workers: opts.InterpretWorkers,
		now:     opts.Now,
	}
	if o.workers <= 0 {
		o.workers = defaultInterpretWorkers
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// work is one fetched body waiting to be interpreted.
type work struct {
	target scraper.Target
	result fetcher.Result
}

// Run scrapes a single source. Failed fetches and unusable bodies are logged
// and counted; they never abort the run. If ctx is cancelled before
// reconciliation nothing is written.
func (o *Orchestrator) Run(ctx context.Context, a scraper.Adapter) (rep Report, err error) {
	rep = Report{Source: a.Source(), Started: o.now()}
	log := o.log.With("source", a.Source())
	begin := time.Now()
	defer func() { rep.Duration = time.Since(begin) }()

	resolver := entities.NewRegistry(o.db, log)
	store, err := resolver.GetOrCreate(ctx, entities.KindStore, a.StoreName())
	if err != nil {
		return rep, fmt.Errorf("resolve store %q: %w", a.StoreName(), err)
	}

	plans, err := a.PlanRequests(ctx, o.fetch)
	if err != nil {
		return rep, fmt.Errorf("plan %s: %w", a.Source(), err)
	}

	var (
		reqs    []fetcher.Request
		targets []scraper.Target
	)
	for _, plan := range plans {
		cat, err := resolver.GetOrCreate(ctx, entities.KindCategory, plan.Category)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.SkippedCategories++
			log.Error("category unavailable, skipping", "category", plan.Category, "error", err)
			continue
		}
		rep.Categories++
		t := scraper.Target{Category: cat, Store: store, Resolver: resolver}
		for _, r := range plan.Requests {
			reqs = append(reqs, r)
			targets = append(targets, t)
		}
	}
	rep.Requests = len(reqs)
	log.Info("fetching", "categories", rep.Categories, "requests", rep.Requests)

	results := o.fetch.FetchAll(ctx, reqs)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	var pending []work
	for i, res := range results {
		if !res.OK() {
			rep.FailedFetches++
			log.Warn("fetch failed", "key", res.Request.Key, "attempts", res.Attempts, "error", res.Err)
			continue
		}
		pending = append(pending, work{target: targets[i], result: res})
	}

	candidates, failed := o.interpret(ctx, a, pending, log)
	rep.FailedInterprets = failed
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	rep.Candidates = len(candidates)

	res, err := o.engine.Reconcile(ctx, candidates, rep.Started)
	rep.Upsert = res
	log.Info("run finished",
		"categories", rep.Categories, "requests", rep.Requests,
		"failed_fetches", rep.FailedFetches, "failed_interprets", rep.FailedInterprets,
		"candidates", rep.Candidates, "inserted", res.Inserted, "updated", res.Updated,
		"price_points", res.PricePoints, "failed", res.Failed)
	return rep, err
}

// interpret runs the adapter over every body on a bounded worker group and
// returns the products in request order.
func (o *Orchestrator) interpret(ctx context.Context, a scraper.Adapter, pending []work, log *logger.Logger) ([]scraper.CanonicalProduct, int) {
	out := make([][]scraper.CanonicalProduct, len(pending))
	errs := make([]error, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := range pending {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				errs[i] = gctx.Err()
				return nil
			}
			w := pending[i]
			out[i], errs[i] = a.Interpret(gctx, w.result.Body, w.target)
			return nil
		})
	}
	_ = g.Wait()

	var (
		all    []scraper.CanonicalProduct
		failed int
	)
	for i, err := range errs {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("response unusable", "key", pending[i].result.Request.Key, "error", err)
			}
			failed++
			continue
		}
		all = append(all, out[i]...)
	}
	return all, failed
}
