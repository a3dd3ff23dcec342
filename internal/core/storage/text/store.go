// Package text stores the canonical text of each document, the
// materialized result of folding its update log.
package text

import "context"

// Store reads and overwrites canonical document text. Read returns "" for a
// document that has never been written.
type Store interface {
	Read(ctx context.Context, docID string) (string, error)
	Write(ctx context.Context, docID, text string) error
}
