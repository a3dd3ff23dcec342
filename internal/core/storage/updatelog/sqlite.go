package updatelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage"
	"github.com/vantagenotes/notesync/pkg/concurrent"
)

const sqliteComponent = "updatelog.sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS updates (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id     TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    changes    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_doc_id ON updates (doc_id, id);
`

// SQLiteStore persists the ledger in a single "updates" table.
type SQLiteStore struct {
	db     *sql.DB
	locks  *concurrent.KeyedMutex
	logger log.Log

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, cfg storage.SQLiteConfig, logger log.Log) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	db, err := storage.OpenSQLite(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, storage.Wrap(sqliteComponent, "schema", err)
	}

	logger = logger.With(log.String("component", sqliteComponent))
	logger.Info("update log opened", log.String("dsn", cfg.DataSourceName))

	return &SQLiteStore{
		db:     db,
		locks:  concurrent.NewKeyedMutex(0),
		logger: logger,
	}, nil
}

func (s *SQLiteStore) check(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Wrap(sqliteComponent, op, storage.ErrStoreClosed)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, docID, userID string, ops ...changes.Operation) (int, error) {
	if err := validate(ops); err != nil {
		return 0, err
	}
	if err := s.check("append"); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(docID)
	defer unlock()

	version, err := s.appendTx(ctx, docID, userID, ops)
	if err != nil {
		return 0, storage.Wrap(sqliteComponent, "append", err)
	}
	return version, nil
}

func (s *SQLiteStore) appendTx(ctx context.Context, docID, userID string, ops []changes.Operation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO updates (doc_id, user_id, client_id, changes, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, op := range ops {
		raw, err := op.Changes.MarshalJSON()
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, docID, userID, op.ClientID, string(raw), now); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = ?`, docID).Scan(&version); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) Version(ctx context.Context, docID string) (int, error) {
	if err := s.check("version"); err != nil {
		return 0, err
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = ?`, docID).Scan(&version)
	if err != nil {
		return 0, storage.Wrap(sqliteComponent, "version", err)
	}
	return version, nil
}

func (s *SQLiteStore) EntriesSince(ctx context.Context, docID string, version int) ([]Entry, error) {
	if err := s.check("entries"); err != nil {
		return nil, err
	}
	if version < 0 {
		version = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, user_id, client_id, changes, created_at
		   FROM updates WHERE doc_id = ? ORDER BY id LIMIT -1 OFFSET ?`, docID, version)
	if err != nil {
		return nil, storage.Wrap(sqliteComponent, "entries", err)
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
			return nil, storage.Wrap(sqliteComponent, "entries", err)
		}
		spec, err := changes.DecodeSpec(json.RawMessage(raw))
		if err != nil {
			return nil, storage.Wrap(sqliteComponent, "entries", fmt.Errorf("row %d: %w", e.Seq, err))
		}
		e.Op = changes.Operation{ClientID: clientID, Changes: spec}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(sqliteComponent, "entries", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Entries(ctx context.Context, docID string) ([]Entry, error) {
	return s.EntriesSince(ctx, docID, 0)
}

func (s *SQLiteStore) Seed(ctx context.Context, docID, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	if err := s.check("seed"); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(docID)
	defer unlock()

	version, err := s.Version(ctx, docID)
	if err != nil || version > 0 {
		return false, err
	}
	if _, err := s.appendTx(ctx, docID, SystemUserID, seedOps(text)); err != nil {
		return false, storage.Wrap(sqliteComponent, "seed", err)
	}
	s.logger.Debug("seeded document", log.String("doc", docID), log.Int("length", len(text)))
	return true, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, docID string) error {
	if err := s.check("clear"); err != nil {
		return err
	}
	unlock := s.locks.Lock(docID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM updates WHERE doc_id = ?`, docID)
	if err != nil {
		return storage.Wrap(sqliteComponent, "clear", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("cleared document history", log.String("doc", docID), log.Int64("entries", n))
	return nil
}

func (s *SQLiteStore) Documents(ctx context.Context) ([]string, error) {
	if err := s.check("documents"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT doc_id FROM updates ORDER BY doc_id`)
	if err != nil {
		return nil, storage.Wrap(sqliteComponent, "documents", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Wrap(sqliteComponent, "documents", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(sqliteComponent, "documents", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
