// Package snapshots persists point-in-time copies of document text.
package snapshots

import (
	"context"
	"time"
)

type Snapshot struct {
	ID        int64     `json:"id"`
	DocID     string    `json:"doc"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// Insert stores snap and, in the same operation, drops all but the keep
	// most recent snapshots of snap.DocID by version.
	Insert(ctx context.Context, snap Snapshot, keep int) error
	// List returns the retained snapshots of docID in ascending version order.
	List(ctx context.Context, docID string) ([]Snapshot, error)
	Close() error
}
