// Package config loads the notesync process configuration from YAML or JSON
// and applies environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/snapshot"
	"github.com/vantagenotes/notesync/internal/core/storage"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
	"github.com/vantagenotes/notesync/internal/server"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverRedis    = "redis"
)

// Environment overrides, applied after the file is read.
const (
	EnvListenAddr  = "NOTESYNC_LISTEN_ADDR"
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisAddr   = "REDIS_ADDR"
	EnvNotesDir    = "NOTESYNC_NOTES_DIR"
	EnvLogLevel    = "NOTESYNC_LOG_LEVEL"
)

type Config struct {
	Server    server.Config   `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Snapshots snapshot.Config `yaml:"snapshots" json:"snapshots"`
	Collab    collab.Config   `yaml:"collab" json:"collab"`
}

type LogConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Encoding    string   `yaml:"encoding" json:"encoding"`
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
	Development bool     `yaml:"development" json:"development"`
}

// Options converts the section into logger options.
func (c LogConfig) Options() (log.Options, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return log.Options{}, err
	}
	return log.Options{
		Level:       level,
		Encoding:    c.Encoding,
		OutputPaths: c.OutputPaths,
		Development: c.Development,
	}, nil
}

type StorageConfig struct {
	// NotesDir holds the canonical markdown files for the file text store.
	NotesDir  string          `yaml:"notes_dir" json:"notes_dir"`
	Updates   UpdatesConfig   `yaml:"updates" json:"updates"`
	Text      TextConfig      `yaml:"text" json:"text"`
	Snapshots SnapshotsConfig `yaml:"snapshots" json:"snapshots"`
}

type UpdatesConfig struct {
	Driver   string                   `yaml:"driver" json:"driver"`
	SQLite   storage.SQLiteConfig     `yaml:"sqlite" json:"sqlite"`
	Postgres updatelog.PostgresConfig `yaml:"postgres" json:"postgres"`
}

type TextConfig struct {
	Driver string           `yaml:"driver" json:"driver"`
	Redis  text.RedisConfig `yaml:"redis" json:"redis"`
}

type SnapshotsConfig struct {
	Driver string               `yaml:"driver" json:"driver"`
	SQLite storage.SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	// Disabled turns the snapshot manager off entirely.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

func Default() Config {
	return Config{
		Server: server.DefaultConfig(),
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Storage: StorageConfig{
			NotesDir: "notes",
			Updates: UpdatesConfig{
				Driver: DriverSQLite,
				SQLite: storage.DefaultSQLiteConfig("notesync.db"),
			},
			Text: TextConfig{Driver: DriverFile},
			Snapshots: SnapshotsConfig{
				Driver: DriverSQLite,
				SQLite: storage.DefaultSQLiteConfig("notesync.db"),
			},
		},
		Snapshots: snapshot.DefaultConfig(),
		Collab:    collab.DefaultConfig(),
	}
}

// Load reads path on top of the defaults, applies the environment and
// validates the result. The format follows the extension: .json is JSON,
// anything else is YAML. An empty path loads only defaults and environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment. DATABASE_URL switches the
// update log to postgres and REDIS_ADDR switches the text store to redis.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Storage.Updates.Driver = DriverPostgres
		c.Storage.Updates.Postgres.URL = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Storage.Text.Driver = DriverRedis
		c.Storage.Text.Redis.Addr = v
	}
	if v, ok := lookup(EnvNotesDir); ok && v != "" {
		c.Storage.NotesDir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.encoding %q is not json or console", c.Log.Encoding))
	}

	switch c.Storage.Updates.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Updates.SQLite.DataSourceName == "" {
			errs = append(errs, errors.New("storage.updates.sqlite.dsn is required"))
		}
	case DriverPostgres:
		if c.Storage.Updates.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.updates.postgres.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.updates.driver %q is not supported", c.Storage.Updates.Driver))
	}

	switch c.Storage.Text.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Storage.NotesDir == "" {
			errs = append(errs, errors.New("storage.notes_dir is required by the file text store"))
		}
	case DriverRedis:
		if c.Storage.Text.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.text.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.text.driver %q is not supported", c.Storage.Text.Driver))
	}

	if !c.Storage.Snapshots.Disabled {
		switch c.Storage.Snapshots.Driver {
		case DriverMemory:
		case DriverSQLite:
			if c.Storage.Snapshots.SQLite.DataSourceName == "" {
				errs = append(errs, errors.New("storage.snapshots.sqlite.dsn is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.snapshots.driver %q is not supported", c.Storage.Snapshots.Driver))
		}
	}

	if c.Snapshots.MaxSnapshots < 0 || c.Snapshots.SaveEvery < 0 || c.Snapshots.Interval < 0 {
		errs = append(errs, errors.New("snapshots settings must not be negative"))
	}
	if c.Collab.BroadcastConcurrency < 0 || c.Collab.LockStripes < 0 {
		errs = append(errs, errors.New("collab settings must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
