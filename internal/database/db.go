package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/valeevte/pricearchive/internal/logger"
)

// Connect opens the database selected by cfg.Driver. For postgres the gorm
// handle sits on top of a pgx pool; the returned close func releases both.
func Connect(ctx context.Context, cfg DBConfig, log *logger.Logger) (*gorm.DB, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch cfg.Driver {
	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		// sqlite allows one writer; serialise on a single connection
		sqlDB.SetMaxOpenConns(1)
		log.Info("connected to sqlite", "path", cfg.SQLitePath)
		return db, func() { _ = sqlDB.Close() }, nil

	default:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		pool, err := pgxpool.New(pingCtx, cfg.TargetDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("create pgx pool: %w", err)
		}
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}

		sqlDB := stdlib.OpenDBFromPool(pool)
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gcfg)
		if err != nil {
			_ = sqlDB.Close()
			pool.Close()
			return nil, nil, fmt.Errorf("open gorm on pgx pool: %w", err)
		}
		log.Info("connected to postgres", "host", cfg.Host, "db", cfg.DBName)
		return db, func() {
			_ = sqlDB.Close()
			pool.Close()
		}, nil
	}
}
