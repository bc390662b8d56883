package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/valeevte/pricearchive/internal/categories"
	"github.com/valeevte/pricearchive/internal/config"
	"github.com/valeevte/pricearchive/internal/database"
	"github.com/valeevte/pricearchive/internal/fetcher"
	"github.com/valeevte/pricearchive/internal/logger"
	"github.com/valeevte/pricearchive/internal/pipeline"
	"github.com/valeevte/pricearchive/internal/products"
	"github.com/valeevte/pricearchive/internal/runlock"
	"github.com/valeevte/pricearchive/internal/scheduler"
	"github.com/valeevte/pricearchive/internal/scraper"
	"github.com/valeevte/pricearchive/internal/upsert"
)

func main() {
	_ = godotenv.Load() // load .env if present; not fatal if missing

	cfg, err := config.Load()
	if err != nil {
		panic("invalid configuration: " + err.Error())
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer log.Sync()

	// graceful shutdown coordination
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := database.Connect(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer closeDB()
	if err := products.Migrate(db); err != nil {
		log.Fatal("migration failed", "error", err)
	}

	cats, err := categories.Load(cfg.CategoriesFile)
	if err != nil {
		log.Fatal("category map unavailable", "error", err)
	}
	sources, err := scraper.NewRegistry(
		scraper.NewMegaImage(cats, scraper.MegaImageOptions{}, log),
		scraper.NewMetro(cats, scraper.MetroOptions{}, log),
	).Select(cfg.Sources)
	if err != nil {
		log.Fatal("invalid SOURCES", "error", err)
	}

	f := fetcher.New(fetcher.Options{
		Concurrency:       cfg.FetchConcurrency,
		RequestsPerSecond: cfg.FetchRPS,
		Timeout:           cfg.FetchTimeout,
		Retries:           cfg.FetchRetries,
	}, log)
	orch := pipeline.New(f, db, upsert.NewEngine(db, log), pipeline.Options{
		InterpretWorkers: cfg.InterpretWorkers,
	}, log)

	var locker runlock.Locker = runlock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		locker = runlock.NewRedis(rdb, "pricearchive:")
		log.Info("using redis run lock", "addr", cfg.RedisAddr)
	}

	// scheduler runs until ctx is cancelled
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx, orch, sources, locker, scheduler.Config{Interval: cfg.ScrapeInterval}, log)
	}()

	if cfg.GinMode == "" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(cfg.GinMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	products.NewHandler(products.NewRepository(db), log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server ListenAndServe failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	// stop accepting new requests, allow 15s to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// in-flight scrapes see the cancelled ctx and return without reconciling
	wg.Wait()

	log.Info("graceful shutdown complete")
}
