package snapshots

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vantagenotes/notesync/internal/core/storage"
)

const sqliteComponent = "snapshots.sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id     TEXT NOT NULL,
    version    INTEGER NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_doc_version ON snapshots (doc_id, version);
`

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, cfg storage.SQLiteConfig) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, storage.Wrap(sqliteComponent, "schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, snap Snapshot, keep int) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return storage.Wrap(sqliteComponent, "insert", s.insertTx(ctx, snap, keep))
}

func (s *SQLiteStore) insertTx(ctx context.Context, snap Snapshot, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (doc_id, version, content, created_at) VALUES (?, ?, ?, ?)`,
		snap.DocID, snap.Version, snap.Content, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM snapshots
			 WHERE doc_id = ?
			   AND id NOT IN (
			       SELECT id FROM snapshots WHERE doc_id = ?
			        ORDER BY version DESC, id DESC LIMIT ?)`,
			snap.DocID, snap.DocID, keep)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, docID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, version, content, created_at
		   FROM snapshots WHERE doc_id = ? ORDER BY version, id`, docID)
	if err != nil {
		return nil, storage.Wrap(sqliteComponent, "list", err)
	}
	defer rows.Close()

	out := []Snapshot{}
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.DocID, &snap.Version, &snap.Content, &snap.CreatedAt); err != nil {
			return nil, storage.Wrap(sqliteComponent, "list", err)
		}
		out = append(out, snap)
	}
	return out, storage.Wrap(sqliteComponent, "list", rows.Err())
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
