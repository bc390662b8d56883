package database

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConfig struct {
	Driver     string
	User       string
	Password   string
	Host       string
	Port       string
	DBName     string
	SQLitePath string
}

func NewDBConfigFromEnv() DBConfig {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if driver == "" {
		driver = DriverPostgres
	}
	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "pricearchive.db"
	}
	return DBConfig{
		Driver:     driver,
		User:       os.Getenv("DB_USER"),
		Password:   os.Getenv("DB_PASSWORD"),
		Host:       os.Getenv("DB_HOST"),
		Port:       os.Getenv("DB_PORT"),
		DBName:     os.Getenv("DB_NAME"),
		SQLitePath: sqlitePath,
	}
}

// Validate reports missing settings for the selected driver.
func (c DBConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set for the sqlite driver")
		}
		return nil
	case DriverPostgres:
		if c.User == "" || c.Host == "" || c.Port == "" || c.DBName == "" {
			return fmt.Errorf("DB config incomplete: DB_USER/DB_HOST/DB_PORT/DB_NAME must be set")
		}
		return nil
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Driver)
	}
}

// TargetDSN builds a URL-encoded postgres DSN.
func (c DBConfig) TargetDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	// sslmode=disable for local development
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}
