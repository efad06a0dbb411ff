package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	defaultPingTimeout    = 5 * time.Second
	defaultOtelIdentifier = "go-leads"
)

// ConnectionConfig carries database connection settings and satisfies the
// persistence client configuration contract.
type ConnectionConfig struct {
	Driver         string
	DSN            string
	Debug          bool
	PingTimeout    time.Duration
	OtelIdentifier string
	MaxOpenConns   int
	MaxIdleConns   int
}

func (c ConnectionConfig) GetDebug() bool {
	return c.Debug
}

func (c ConnectionConfig) GetDriver() string {
	return c.Driver
}

func (c ConnectionConfig) GetServer() string {
	return c.DSN
}

func (c ConnectionConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return defaultPingTimeout
	}
	return c.PingTimeout
}

func (c ConnectionConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) == "" {
		return defaultOtelIdentifier
	}
	return c.OtelIdentifier
}

// NewPostgresClient opens a postgres connection and wraps it in a
// persistence client. Callers still register migrations and call Migrate.
func NewPostgresClient(cfg ConnectionConfig) (*persistence.Client, error) {
	cfg.Driver = DriverPostgres
	sqlDB, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}
	client, err := persistence.New(cfg, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}

// NewSQLiteClient opens a sqlite connection and wraps it in a persistence
// client. In-memory DSNs should cap MaxOpenConns at 1 so every connection
// sees the same database.
func NewSQLiteClient(cfg ConnectionConfig) (*persistence.Client, error) {
	cfg.Driver = DriverSQLite
	sqlDB, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}

func openSQL(cfg ConnectionConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: connection dsn is required")
	}
	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s connection: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return sqlDB, nil
}
