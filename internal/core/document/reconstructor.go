// Package document rebuilds document text from the update log.
package document

import (
	"context"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
)

// Fold applies every entry's change to the empty string, in order.
func Fold(entries []updatelog.Entry) string {
	specs := make([]changes.Spec, len(entries))
	for i, e := range entries {
		specs[i] = e.Op.Changes
	}
	return changes.ApplyAll("", specs...)
}

type Reconstructor struct {
	log    updatelog.Store
	texts  text.Store
	logger log.Log
}

func NewReconstructor(updates updatelog.Store, texts text.Store, logger log.Log) *Reconstructor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reconstructor{
		log:    updates,
		texts:  texts,
		logger: logger.With(log.String("component", "reconstructor")),
	}
}

// Reconstruct folds the full history of docID and overwrites the canonical
// text with the result. A document without history yields "" and is not
// written.
func (r *Reconstructor) Reconstruct(ctx context.Context, docID string) (string, error) {
	entries, err := r.log.Entries(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	content := Fold(entries)
	if err := r.texts.Write(ctx, docID, content); err != nil {
		return "", err
	}
	r.logger.Debug("document reconstructed",
		log.String("doc", docID),
		log.Int("version", len(entries)),
		log.Int("length", len(content)),
	)
	return content, nil
}
