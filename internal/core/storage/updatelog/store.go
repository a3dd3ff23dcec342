// Package updatelog is the append-only ledger of accepted change operations.
// A document's version is the number of entries recorded for it.
package updatelog

import (
	"context"
	"time"

	"github.com/vantagenotes/notesync/internal/core/changes"
)

// SystemUserID is recorded as the author of server-synthesized entries.
const SystemUserID = "system"

// Entry is one immutable ledger row.
type Entry struct {
	Seq       int64
	DocID     string
	UserID    string
	Timestamp time.Time
	Op        changes.Operation
}

// Store is implemented by every ledger backend. Appends for one document are
// linearizable; appends for different documents are independent.
type Store interface {
	// Append validates and records ops in order and returns the new version.
	// Either every op is recorded or none is.
	Append(ctx context.Context, docID, userID string, ops ...changes.Operation) (int, error)
	Version(ctx context.Context, docID string) (int, error)
	// EntriesSince returns the entries at positions >= version, in append order.
	EntriesSince(ctx context.Context, docID string, version int) ([]Entry, error)
	Entries(ctx context.Context, docID string) ([]Entry, error)
	// Seed records text as a single system entry if the document has no entries
	// and text is not empty. It reports whether an entry was written.
	Seed(ctx context.Context, docID, text string) (bool, error)
	Clear(ctx context.Context, docID string) error
	Documents(ctx context.Context) ([]string, error)
	Close() error
}

func validate(ops []changes.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func seedOps(text string) []changes.Operation {
	return []changes.Operation{changes.FullText(text)}
}
