package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures a SQLite handle shared by the sqlite backends.
type SQLiteConfig struct {
	// DataSourceName is a file path or a "file:" URI.
	DataSourceName string `yaml:"dsn" json:"dsn"`

	// EnableWAL switches the journal to write-ahead logging.
	EnableWAL   bool          `yaml:"enable_wal" json:"enable_wal"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultSQLiteConfig returns WAL mode with a small pool.
func DefaultSQLiteConfig(dsn string) SQLiteConfig {
	c := SQLiteConfig{DataSourceName: dsn, EnableWAL: true}
	c.setDefaults()
	return c
}

func (c *SQLiteConfig) setDefaults() {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

func (c *SQLiteConfig) dsn() string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}

	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// OpenSQLite opens and pings a pooled SQLite handle.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*sql.DB, error) {
	cfg.setDefaults()
	if cfg.DataSourceName == "" {
		return nil, fmt.Errorf("%w: sqlite dsn is required", ErrNotConfigured)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, Wrap("sqlite", "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Wrap("sqlite", "ping", err)
	}
	return db, nil
}
