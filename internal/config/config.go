package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/valeevte/pricearchive/internal/database"
)

// Config is the process configuration, read once at startup.
type Config struct {
	DB database.DBConfig

	Port    string
	GinMode string
	LogMode string

	// Sources lists the adapter names to scrape; empty means all registered.
	Sources        []string
	ScrapeInterval time.Duration
	CategoriesFile string
	RedisAddr      string

	FetchConcurrency int
	FetchRPS         float64
	FetchTimeout     time.Duration
	FetchRetries     int
	InterpretWorkers int
}

func Load() (Config, error) {
	var env envReader
	cfg := Config{
		DB:               database.NewDBConfigFromEnv(),
		Port:             env.String("PORT", "8080"),
		GinMode:          env.String("GIN_MODE", ""),
		LogMode:          env.String("LOG_MODE", "dev"),
		Sources:          env.List("SOURCES"),
		ScrapeInterval:   env.Duration("SCRAPE_INTERVAL", time.Hour),
		CategoriesFile:   env.String("CATEGORIES_FILE", ""),
		RedisAddr:        env.String("REDIS_ADDR", ""),
		FetchConcurrency: env.Int("FETCH_CONCURRENCY", 8),
		FetchRPS:         env.Float("FETCH_RPS", 0),
		FetchTimeout:     env.Duration("FETCH_TIMEOUT", 20*time.Second),
		FetchRetries:     env.Int("FETCH_RETRIES", 2),
		InterpretWorkers: env.Int("INTERPRET_WORKERS", 4),
	}
	if env.err != nil {
		return Config{}, env.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.DB.Validate(); err != nil {
		return err
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", c.FetchConcurrency)
	}
	if c.InterpretWorkers <= 0 {
		return fmt.Errorf("INTERPRET_WORKERS must be positive, got %d", c.InterpretWorkers)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must not be negative, got %d", c.FetchRetries)
	}
	if c.FetchRPS < 0 {
		return fmt.Errorf("FETCH_RPS must not be negative, got %v", c.FetchRPS)
	}
	if c.ScrapeInterval <= 0 {
		return fmt.Errorf("SCRAPE_INTERVAL must be positive, got %s", c.ScrapeInterval)
	}
	return nil
}

// envReader reads typed variables and collects every malformed value.
type envReader struct {
	err error
}

func (r *envReader) invalid(name, value, want string) {
	r.err = multierr.Append(r.err, fmt.Errorf("%s: %q is not a valid %s", name, value, want))
}

func (r *envReader) String(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func (r *envReader) Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(name, v, "integer")
		return def
	}
	return i
}

func (r *envReader) Float(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.invalid(name, v, "number")
		return def
	}
	return f
}

// Duration accepts Go duration strings ("90s", "1h") or a bare number of seconds.
func (r *envReader) Duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	r.invalid(name, v, "duration")
	return def
}

// List splits a comma separated variable, dropping blanks.
func (r *envReader) List(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
