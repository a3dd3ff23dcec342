// Package snapshot saves bounded, point-in-time copies of documents.
package snapshot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage/snapshots"
)

type Config struct {
	// MaxSnapshots is the number of snapshots kept per document.
	MaxSnapshots int `yaml:"max_snapshots" json:"max_snapshots"`
	// ThumbnailLength is the preview length in characters.
	ThumbnailLength int `yaml:"thumbnail_length" json:"thumbnail_length"`
	// SaveEvery saves a snapshot after this many accepted versions. Zero disables it.
	SaveEvery int `yaml:"save_every" json:"save_every"`
	// Interval is the period of the background snapshot worker. Zero disables it.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxSnapshots:    10,
		ThumbnailLength: 100,
		SaveEvery:       10,
		Interval:        time.Minute,
	}
}

type Manager struct {
	store  snapshots.Store
	cfg    Config
	logger log.Log

	mu        sync.Mutex
	lastSaved map[string]int
}

func NewManager(store snapshots.Store, cfg Config, logger log.Log) *Manager {
	def := DefaultConfig()
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = def.MaxSnapshots
	}
	if cfg.ThumbnailLength <= 0 {
		cfg.ThumbnailLength = def.ThumbnailLength
	}
	if cfg.SaveEvery < 0 {
		cfg.SaveEvery = 0
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		logger:    logger.With(log.String("component", "snapshots")),
		lastSaved: make(map[string]int),
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Save stores content as the snapshot of docID at version and prunes older ones.
func (m *Manager) Save(ctx context.Context, docID, content string, version int) error {
	err := m.store.Insert(ctx, snapshots.Snapshot{
		DocID:   docID,
		Version: version,
		Content: content,
	}, m.cfg.MaxSnapshots)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if version > m.lastSaved[docID] {
		m.lastSaved[docID] = version
	}
	m.mu.Unlock()

	m.logger.Info("snapshot saved", log.String("doc", docID), log.Int("version", version))
	return nil
}

// List returns the retained snapshots of docID, oldest version first, with thumbnails.
func (m *Manager) List(ctx context.Context, docID string) ([]snapshots.Snapshot, error) {
	list, err := m.store.List(ctx, docID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Thumbnail = Thumbnail(list[i].Content, m.cfg.ThumbnailLength)
	}
	return list, nil
}

// Observe is called after each accepted update. It saves a snapshot once
// SaveEvery versions have accumulated since the last one.
func (m *Manager) Observe(ctx context.Context, docID string, version int, content string) (bool, error) {
	if m.cfg.SaveEvery == 0 {
		return false, nil
	}
	last, err := m.last(ctx, docID)
	if err != nil {
		return false, err
	}
	if version-last < m.cfg.SaveEvery {
		return false, nil
	}
	return true, m.Save(ctx, docID, content, version)
}

// SaveIfAdvanced saves a snapshot when version is newer than the last saved one.
func (m *Manager) SaveIfAdvanced(ctx context.Context, docID string, version int, content string) (bool, error) {
	last, err := m.last(ctx, docID)
	if err != nil {
		return false, err
	}
	if version <= last {
		return false, nil
	}
	return true, m.Save(ctx, docID, content, version)
}

// Forget drops the remembered save point of docID, used after its history is cleared.
func (m *Manager) Forget(docID string) {
	m.mu.Lock()
	delete(m.lastSaved, docID)
	m.mu.Unlock()
}

// last returns the last saved version, loading it from the store on first use.
func (m *Manager) last(ctx context.Context, docID string) (int, error) {
	m.mu.Lock()
	v, ok := m.lastSaved[docID]
	m.mu.Unlock()
	if ok {
		return v, nil
	}

	list, err := m.store.List(ctx, docID)
	if err != nil {
		return 0, err
	}
	if len(list) > 0 {
		v = list[len(list)-1].Version
	}

	m.mu.Lock()
	if cur, ok := m.lastSaved[docID]; ok && cur > v {
		v = cur
	}
	m.lastSaved[docID] = v
	m.mu.Unlock()
	return v, nil
}

// Run calls fn every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := fn(ctx); err != nil {
				m.logger.Error("periodic snapshot failed", log.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Thumbnail returns the first n characters of content with newlines folded
// into spaces, followed by "..." when content was cut.
func Thumbnail(content string, n int) string {
	flat := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(content)
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n]) + "..."
}
