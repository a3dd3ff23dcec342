package injector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/config"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

func TestInitializeServerInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "notesync.log")}
	cfg.Storage.Updates.Driver = config.DriverMemory
	cfg.Storage.Text.Driver = config.DriverMemory
	cfg.Storage.Snapshots.Driver = config.DriverMemory

	s, cleanup, err := InitializeServer(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitializeServerSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.OutputPaths = []string{filepath.Join(dir, "notesync.log")}
	cfg.Storage.NotesDir = filepath.Join(dir, "notes")
	cfg.Storage.Updates.SQLite = storage.DefaultSQLiteConfig(filepath.Join(dir, "updates.db"))
	cfg.Storage.Snapshots.SQLite = storage.DefaultSQLiteConfig(filepath.Join(dir, "snapshots.db"))

	s, cleanup, err := InitializeServer(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/docs/a/snapshots", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestInitializeServerRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "notesync.log")}
	cfg.Storage.Updates.Driver = "bolt"

	_, _, err := InitializeServer(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
