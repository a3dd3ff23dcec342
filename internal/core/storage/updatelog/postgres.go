package updatelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

const postgresComponent = "updatelog.postgres"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS updates (
    id         BIGSERIAL PRIMARY KEY,
    doc_id     TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    changes    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_updates_doc_id ON updates (doc_id, id);
`

// PostgresConfig configures the pgx pool behind PostgresStore.
type PostgresConfig struct {
	URL            string        `yaml:"url" json:"url"`
	MaxConns       int32         `yaml:"max_conns" json:"max_conns"`
	ConnectRetries uint64        `yaml:"connect_retries" json:"connect_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

func (c *PostgresConfig) setDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// PostgresStore persists the ledger in postgres. Appends for a document are
// serialized with a transaction-scoped advisory lock, so several server
// processes may share one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger log.Log
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger log.Log) (*PostgresStore, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: postgres url is required", storage.ErrNotConfigured)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, storage.Wrap(postgresComponent, "parse config", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storage.Wrap(postgresComponent, "connect", err)
	}

	logger = logger.With(log.String("component", postgresComponent))

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), connectCtx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := pool.Ping(connectCtx); err != nil {
			logger.Warn("postgres not reachable", log.Int("attempt", attempt), log.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		pool.Close()
		return nil, storage.Wrap(postgresComponent, "ping", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, storage.Wrap(postgresComponent, "schema", err)
	}

	logger.Info("update log opened", log.Int("max_conns", int(cfg.MaxConns)))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Append(ctx context.Context, docID, userID string, ops ...changes.Operation) (int, error) {
	if err := validate(ops); err != nil {
		return 0, err
	}
	var version int
	err := s.inDocTx(ctx, docID, func(tx pgx.Tx) error {
		var err error
		version, err = insertOps(ctx, tx, docID, userID, ops)
		return err
	})
	if err != nil {
		return 0, storage.Wrap(postgresComponent, "append", err)
	}
	return version, nil
}

// inDocTx runs fn in a transaction holding the advisory lock for docID.
func (s *PostgresStore) inDocTx(ctx context.Context, docID string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, docID); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOps(ctx context.Context, tx pgx.Tx, docID, userID string, ops []changes.Operation) (int, error) {
	batch := &pgx.Batch{}
	for _, op := range ops {
		raw, err := op.Changes.MarshalJSON()
		if err != nil {
			return 0, err
		}
		batch.Queue(`INSERT INTO updates (doc_id, user_id, client_id, changes) VALUES ($1, $2, $3, $4::jsonb)`,
			docID, userID, op.ClientID, string(raw))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	var version int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = $1`, docID).Scan(&version); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) Version(ctx context.Context, docID string) (int, error) {
	var version int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = $1`, docID).Scan(&version); err != nil {
		return 0, storage.Wrap(postgresComponent, "version", err)
	}
	return version, nil
}

func (s *PostgresStore) EntriesSince(ctx context.Context, docID string, version int) ([]Entry, error) {
	if version < 0 {
		version = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, doc_id, user_id, client_id, changes::text, created_at
		   FROM updates WHERE doc_id = $1 ORDER BY id OFFSET $2`, docID, version)
	if err != nil {
		return nil, storage.Wrap(postgresComponent, "entries", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			clientID string
			raw      string
		)
		if err := rows.Scan(&e.Seq, &e.DocID, &e.UserID, &clientID, &raw, &e.Timestamp); err != nil {
			return nil, storage.Wrap(postgresComponent, "entries", err)
		}
		spec, err := changes.DecodeSpec(json.RawMessage(raw))
		if err != nil {
			return nil, storage.Wrap(postgresComponent, "entries", fmt.Errorf("row %d: %w", e.Seq, err))
		}
		e.Op = changes.Operation{ClientID: clientID, Changes: spec}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(postgresComponent, "entries", err)
	}
	return entries, nil
}

func (s *PostgresStore) Entries(ctx context.Context, docID string) ([]Entry, error) {
	return s.EntriesSince(ctx, docID, 0)
}

func (s *PostgresStore) Seed(ctx context.Context, docID, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	seeded := false
	err := s.inDocTx(ctx, docID, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = $1`, docID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := insertOps(ctx, tx, docID, SystemUserID, seedOps(text)); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, storage.Wrap(postgresComponent, "seed", err)
	}
	return seeded, nil
}

func (s *PostgresStore) Clear(ctx context.Context, docID string) error {
	err := s.inDocTx(ctx, docID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM updates WHERE doc_id = $1`, docID)
		if err != nil {
			return err
		}
		s.logger.Info("cleared document history", log.String("doc", docID), log.Int64("entries", tag.RowsAffected()))
		return nil
	})
	return storage.Wrap(postgresComponent, "clear", err)
}

func (s *PostgresStore) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT doc_id FROM updates ORDER BY doc_id`)
	if err != nil {
		return nil, storage.Wrap(postgresComponent, "documents", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storage.Wrap(postgresComponent, "documents", err)
	}
	return ids, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
