// Package injector assembles the server from configuration with google/wire.
package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/vantagenotes/notesync/internal/config"
	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/session"
	"github.com/vantagenotes/notesync/internal/core/snapshot"
	"github.com/vantagenotes/notesync/internal/core/storage/snapshots"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
	"github.com/vantagenotes/notesync/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideUpdateLog,
	ProvideTextStore,
	ProvideSnapshotStore,
	ProvideSnapshotManager,
	session.NewRegistry,
	ProvideEngine,
	ProvideServer,
)

func ProvideLogger(cfg config.Config) (*log.Logger, func(), error) {
	opts, err := cfg.Log.Options()
	if err != nil {
		return nil, nil, err
	}
	logger, err := log.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func ProvideUpdateLog(ctx context.Context, cfg config.Config, logger log.Log) (updatelog.Store, func(), error) {
	var (
		store updatelog.Store
		err   error
	)
	switch c := cfg.Storage.Updates; c.Driver {
	case config.DriverMemory:
		store = updatelog.NewMemoryStore()
	case config.DriverSQLite:
		store, err = updatelog.NewSQLiteStore(ctx, c.SQLite, logger)
	case config.DriverPostgres:
		store, err = updatelog.NewPostgresStore(ctx, c.Postgres, logger)
	default:
		err = fmt.Errorf("%w: updates driver %q", config.ErrInvalidConfig, c.Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Info("update log ready", log.String("driver", cfg.Storage.Updates.Driver))
	return store, closer(store.Close, logger, "update log"), nil
}

func ProvideTextStore(ctx context.Context, cfg config.Config, logger log.Log) (text.Store, func(), error) {
	switch c := cfg.Storage.Text; c.Driver {
	case config.DriverMemory:
		return text.NewMemoryStore(), func() {}, nil
	case config.DriverFile:
		store, err := text.NewFileStore(cfg.Storage.NotesDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("text store ready", log.String("driver", c.Driver), log.String("root", store.Root()))
		return store, func() {}, nil
	case config.DriverRedis:
		store, err := text.NewRedisStore(ctx, c.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("text store ready", log.String("driver", c.Driver), log.String("addr", c.Redis.Addr))
		return store, closer(store.Close, logger, "text store"), nil
	default:
		return nil, nil, fmt.Errorf("%w: text driver %q", config.ErrInvalidConfig, c.Driver)
	}
}

// ProvideSnapshotStore returns a nil store when snapshots are disabled.
func ProvideSnapshotStore(ctx context.Context, cfg config.Config) (snapshots.Store, func(), error) {
	c := cfg.Storage.Snapshots
	if c.Disabled {
		return nil, func() {}, nil
	}
	switch c.Driver {
	case config.DriverMemory:
		return snapshots.NewMemoryStore(), func() {}, nil
	case config.DriverSQLite:
		store, err := snapshots.NewSQLiteStore(ctx, c.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: snapshots driver %q", config.ErrInvalidConfig, c.Driver)
	}
}

func ProvideSnapshotManager(cfg config.Config, store snapshots.Store, logger log.Log) *snapshot.Manager {
	if store == nil {
		return nil
	}
	return snapshot.NewManager(store, cfg.Snapshots, logger)
}

func ProvideEngine(
	cfg config.Config,
	updates updatelog.Store,
	texts text.Store,
	registry *session.Registry,
	manager *snapshot.Manager,
	logger log.Log,
) *collab.Engine {
	return collab.NewEngine(updates, texts, registry, manager, cfg.Collab, logger)
}

func ProvideServer(cfg config.Config, engine *collab.Engine, manager *snapshot.Manager, logger log.Log) (*server.Server, func()) {
	s := server.NewServer(cfg.Server, engine, manager, logger)
	return s, func() { _ = s.Close() }
}

func closer(fn func() error, logger log.Log, name string) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("close failed", log.String("store", name), log.Error(err))
		}
	}
}
