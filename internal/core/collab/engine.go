// Package collab coordinates live editing sessions: it orders incoming
// operations per document, records them, relays them to the other members
// and repairs clients whose version has drifted.
package collab

import (
	"context"
	"errors"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/document"
	"github.com/vantagenotes/notesync/internal/core/events"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/protocol"
	"github.com/vantagenotes/notesync/internal/core/session"
	"github.com/vantagenotes/notesync/internal/core/snapshot"
	"github.com/vantagenotes/notesync/internal/core/storage/snapshots"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
	"github.com/vantagenotes/notesync/pkg/concurrent"
)

type Config struct {
	// BroadcastConcurrency bounds parallel sends per broadcast. Zero means unbounded.
	BroadcastConcurrency int `yaml:"broadcast_concurrency" json:"broadcast_concurrency"`
	// LockStripes is the number of per-document lock stripes.
	LockStripes int `yaml:"lock_stripes" json:"lock_stripes"`
}

func DefaultConfig() Config {
	return Config{
		BroadcastConcurrency: 16,
		LockStripes:          concurrent.DefaultStripes,
	}
}

// Engine is shared by every connection of the process.
type Engine struct {
	updates       updatelog.Store
	texts         text.Store
	registry      *session.Registry
	reconstructor *document.Reconstructor
	snapshots     *snapshot.Manager
	events        *events.Bus

	locks  *concurrent.KeyedMutex
	seeded mapset.Set[string]
	cfg    Config
	logger log.Log

	connections atomic.Int64
	accepted    atomic.Int64
	resyncs     atomic.Int64
}

func NewEngine(
	updates updatelog.Store,
	texts text.Store,
	registry *session.Registry,
	snapshots *snapshot.Manager,
	cfg Config,
	logger log.Log,
) *Engine {
	if logger == nil {
		logger = log.NewNop()
	}
	if registry == nil {
		registry = session.NewRegistry()
	}
	e := &Engine{
		updates:       updates,
		texts:         texts,
		registry:      registry,
		reconstructor: document.NewReconstructor(updates, texts, logger),
		snapshots:     snapshots,
		events:        events.New(),
		locks:         concurrent.NewKeyedMutex(cfg.LockStripes),
		seeded:        mapset.NewSet[string](),
		cfg:           cfg,
		logger:        logger.With(log.String("component", "collab")),
	}
	if snapshots != nil {
		e.events.Subscribe(events.TypeAccepted, func(ctx context.Context, ev events.Event) error {
			_, err := snapshots.Observe(ctx, ev.Doc, ev.Version, ev.Text)
			return err
		})
		e.events.Subscribe(events.TypeCleared, func(_ context.Context, ev events.Event) error {
			snapshots.Forget(ev.Doc)
			return nil
		})
	}
	return e
}

func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Events is the bus the engine publishes document lifecycle events on.
// Handlers run under the document lock.
func (e *Engine) Events() *events.Bus {
	return e.events
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Error("event handler failed",
			log.String("event", ev.Type), log.String("doc", ev.Doc), log.Error(err))
	}
}

// Connect starts a coordinator for a new connection. An empty userID
// defaults to the peer id.
func (e *Engine) Connect(peer session.Peer, userID string) *Coordinator {
	if userID == "" {
		userID = peer.ID()
	}
	e.connections.Add(1)
	c := &Coordinator{
		engine:  e,
		session: session.New(peer, userID),
		logger:  e.logger.With(log.String("peer", peer.ID())),
	}
	c.logger.Info("connection opened", log.String("user", userID))
	return c
}

// ensureSeeded loads the canonical text into an empty log once per process.
// Callers hold the document lock.
func (e *Engine) ensureSeeded(ctx context.Context, docID string) error {
	if e.seeded.Contains(docID) {
		return nil
	}
	content, err := e.texts.Read(ctx, docID)
	if err != nil {
		return err
	}
	seeded, err := e.updates.Seed(ctx, docID, content)
	if err != nil {
		return err
	}
	if seeded {
		e.logger.Info("document seeded from text store",
			log.String("doc", docID), log.Int("length", len(content)))
	}
	e.seeded.Add(docID)
	return nil
}

// initFor builds the init message for peerID: the full text when it is the
// only member of docID, else the full history.
func (e *Engine) initFor(ctx context.Context, docID, peerID string) (protocol.Init, error) {
	if e.registry.Count(docID) == 1 && e.registry.IsMember(docID, peerID) {
		content, version, err := e.currentText(ctx, docID)
		if err != nil {
			return protocol.Init{}, err
		}
		return protocol.Init{Doc: docID, Mode: protocol.ModeSingle, Text: content, Version: version}, nil
	}
	return e.historyInit(ctx, docID)
}

func (e *Engine) historyInit(ctx context.Context, docID string) (protocol.Init, error) {
	entries, err := e.updates.Entries(ctx, docID)
	if err != nil {
		return protocol.Init{}, err
	}
	return protocol.Init{
		Doc:     docID,
		Mode:    protocol.ModeCollaborative,
		Updates: operations(entries),
		Version: len(entries),
	}, nil
}

// canonicalInit answers a client that claims a version the server never
// reached. An empty log is first seeded with the canonical text so the
// version sent is one the log actually holds.
func (e *Engine) canonicalInit(ctx context.Context, docID string) (protocol.Init, error) {
	init, err := e.historyInit(ctx, docID)
	if err != nil || init.Version > 0 {
		return init, err
	}
	content, err := e.texts.Read(ctx, docID)
	if err != nil {
		return protocol.Init{}, err
	}
	seeded, err := e.updates.Seed(ctx, docID, content)
	if err != nil {
		return protocol.Init{}, err
	}
	if seeded {
		e.logger.Info("empty log seeded for resync",
			log.String("doc", docID), log.Int("length", len(content)))
	}
	e.seeded.Add(docID)
	return e.historyInit(ctx, docID)
}

// currentText folds the log, falling back to the text store when the log is empty.
func (e *Engine) currentText(ctx context.Context, docID string) (string, int, error) {
	entries, err := e.updates.Entries(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		content, err := e.texts.Read(ctx, docID)
		return content, 0, err
	}
	return document.Fold(entries), len(entries), nil
}

// broadcast delivers msg to every member of docID except exclude. Failed
// deliveries are logged and dropped.
func (e *Engine) broadcast(ctx context.Context, docID, exclude string, msg protocol.ServerMessage) int {
	targets := e.registry.Others(docID, exclude)
	err := concurrent.Fanout(ctx, targets, e.cfg.BroadcastConcurrency, func(ctx context.Context, p session.Peer) error {
		if err := p.Send(ctx, msg); err != nil {
			return &TransportError{PeerID: p.ID(), Doc: docID, Err: err}
		}
		return nil
	})

	var fanoutErr *concurrent.FanoutError[session.Peer]
	if errors.As(err, &fanoutErr) {
		for _, failure := range fanoutErr.Errs {
			e.logDeliveryFailure(failure)
		}
		return len(targets) - len(fanoutErr.Failed)
	}
	return len(targets)
}

func (e *Engine) logDeliveryFailure(err error) {
	var terr *TransportError
	if !errors.As(err, &terr) {
		e.logger.Warn("broadcast failed", log.Error(err))
		return
	}
	fields := []log.Field{log.String("peer", terr.PeerID), log.String("doc", terr.Doc), log.Error(terr.Err)}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		e.logger.Debug("skipped closed peer", fields...)
		return
	}
	e.logger.Warn("broadcast delivery failed", fields...)
}

func operations(entries []updatelog.Entry) []changes.Operation {
	ops := make([]changes.Operation, len(entries))
	for i, entry := range entries {
		ops[i] = entry.Op
	}
	return ops
}

// --- Administrative operations ---

// Clear drops the history of docID. Joined clients are repaired by the
// version checks on their next update.
func (e *Engine) Clear(ctx context.Context, docID string) error {
	unlock := e.locks.Lock(docID)
	defer unlock()

	if err := e.updates.Clear(ctx, docID); err != nil {
		return err
	}
	e.seeded.Remove(docID)
	e.publish(ctx, events.Event{Type: events.TypeCleared, Doc: docID})
	e.logger.Warn("document history cleared", log.String("doc", docID))
	return nil
}

// Text returns the current text of docID and persists it when the log is not empty.
func (e *Engine) Text(ctx context.Context, docID string) (string, error) {
	unlock := e.locks.Lock(docID)
	defer unlock()

	content, err := e.reconstructor.Reconstruct(ctx, docID)
	if err != nil {
		return "", err
	}
	if content == "" {
		return e.texts.Read(ctx, docID)
	}
	return content, nil
}

func (e *Engine) Version(ctx context.Context, docID string) (int, error) {
	return e.updates.Version(ctx, docID)
}

// Snapshot saves the current state of docID and returns its version.
func (e *Engine) Snapshot(ctx context.Context, docID string) (int, error) {
	if e.snapshots == nil {
		return 0, ErrSnapshotsDisabled
	}
	unlock := e.locks.Lock(docID)
	defer unlock()

	content, version, err := e.currentText(ctx, docID)
	if err != nil {
		return 0, err
	}
	return version, e.snapshots.Save(ctx, docID, content, version)
}

func (e *Engine) Snapshots(ctx context.Context, docID string) ([]snapshots.Snapshot, error) {
	if e.snapshots == nil {
		return []snapshots.Snapshot{}, nil
	}
	return e.snapshots.List(ctx, docID)
}

// ActiveDocuments lists documents with at least one joined connection.
func (e *Engine) ActiveDocuments() []string {
	return e.registry.Documents()
}

// SnapshotActive snapshots every active document whose version moved since
// its last snapshot.
func (e *Engine) SnapshotActive(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	var errs []error
	for _, docID := range e.ActiveDocuments() {
		if err := e.snapshotIfAdvanced(ctx, docID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) snapshotIfAdvanced(ctx context.Context, docID string) error {
	unlock := e.locks.Lock(docID)
	defer unlock()

	entries, err := e.updates.Entries(ctx, docID)
	if err != nil || len(entries) == 0 {
		return err
	}
	_, err = e.snapshots.SaveIfAdvanced(ctx, docID, len(entries), document.Fold(entries))
	return err
}

type Stats struct {
	Connections     int64          `json:"connections"`
	Peers           int            `json:"peers"`
	ActiveDocuments []string       `json:"active_documents"`
	AcceptedOps     int64          `json:"accepted_ops"`
	Resyncs         int64          `json:"resyncs"`
	Events          events.Metrics `json:"events"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Connections:     e.connections.Load(),
		Peers:           e.registry.Peers(),
		ActiveDocuments: e.ActiveDocuments(),
		AcceptedOps:     e.accepted.Load(),
		Resyncs:         e.resyncs.Load(),
		Events:          e.events.Metrics(),
	}
}
