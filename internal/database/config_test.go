package database

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetDSNEscapesCredentials(t *testing.T) {
	cfg := DBConfig{
		Driver:   DriverPostgres,
		User:     "archive",
		Password: "p@ss:w/rd",
		Host:     "db",
		Port:     "5432",
		DBName:   "prices",
	}

	u, err := url.Parse(cfg.TargetDSN())
	require.NoError(t, err)

	pass, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss:w/rd", pass)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/prices", u.Path)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
}

func TestValidate(t *testing.T) {
	assert.Error(t, DBConfig{Driver: DriverPostgres, Host: "db"}.Validate())
	assert.NoError(t, DBConfig{Driver: DriverSQLite, SQLitePath: "x.db"}.Validate())
	assert.Error(t, DBConfig{Driver: "mysql"}.Validate())
}

func TestNewDBConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("SQLITE_PATH", "")

	cfg := NewDBConfigFromEnv()
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, "pricearchive.db", cfg.SQLitePath)
}
