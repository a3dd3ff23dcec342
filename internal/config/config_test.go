package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvListenAddr, EnvDatabaseURL, EnvRedisAddr, EnvNotesDir, EnvLogLevel} {
		t.Setenv(key, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Storage.Updates.Driver)
	assert.Equal(t, DriverFile, cfg.Storage.Text.Driver)
	assert.Equal(t, 10, cfg.Snapshots.SaveEvery)
	assert.Equal(t, 10, cfg.Snapshots.MaxSnapshots)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "notesync.yaml", `
server:
  listen_addr: 0.0.0.0:9000
  quic_addr: 0.0.0.0:9001
  websocket:
    send_queue_size: 64
    allowed_origins: [https://notes.example]
log:
  level: debug
  encoding: console
storage:
  notes_dir: /srv/notes
  updates:
    driver: memory
  snapshots:
    driver: memory
snapshots:
  save_every: 5
  interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "0.0.0.0:9001", cfg.Server.QUICAddr)
	assert.Equal(t, 64, cfg.Server.WebSocket.SendQueueSize)
	assert.Equal(t, []string{"https://notes.example"}, cfg.Server.WebSocket.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/notes", cfg.Storage.NotesDir)
	assert.Equal(t, DriverMemory, cfg.Storage.Updates.Driver)
	assert.Equal(t, 5, cfg.Snapshots.SaveEvery)
	assert.Equal(t, 30*time.Second, cfg.Snapshots.Interval)
	// untouched sections keep their defaults
	assert.Equal(t, 10, cfg.Snapshots.MaxSnapshots)
	assert.Equal(t, DriverFile, cfg.Storage.Text.Driver)

	opts, err := cfg.Log.Options()
	require.NoError(t, err)
	assert.Equal(t, "console", opts.Encoding)
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "notesync.json", `{"server":{"listen_addr":":7000"},"storage":{"text":{"driver":"memory"}}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, DriverMemory, cfg.Storage.Text.Driver)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bad.yaml", "server:\n  listen_adr: typo\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvListenAddr, ":1234")
	t.Setenv(EnvDatabaseURL, "postgres://localhost/notes")
	t.Setenv(EnvRedisAddr, "localhost:6379")
	t.Setenv(EnvNotesDir, "/tmp/notes")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Server.ListenAddr)
	assert.Equal(t, DriverPostgres, cfg.Storage.Updates.Driver)
	assert.Equal(t, "postgres://localhost/notes", cfg.Storage.Updates.Postgres.URL)
	assert.Equal(t, DriverRedis, cfg.Storage.Text.Driver)
	assert.Equal(t, "localhost:6379", cfg.Storage.Text.Redis.Addr)
	assert.Equal(t, "/tmp/notes", cfg.Storage.NotesDir)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad encoding", func(c *Config) { c.Log.Encoding = "xml" }},
		{"unknown updates driver", func(c *Config) { c.Storage.Updates.Driver = "bolt" }},
		{"postgres without url", func(c *Config) { c.Storage.Updates.Driver = DriverPostgres }},
		{"redis without addr", func(c *Config) { c.Storage.Text.Driver = DriverRedis }},
		{"file without dir", func(c *Config) { c.Storage.NotesDir = "" }},
		{"unknown snapshot driver", func(c *Config) { c.Storage.Snapshots.Driver = "s3" }},
		{"negative save every", func(c *Config) { c.Snapshots.SaveEvery = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Storage.Snapshots.Disabled = true
	cfg.Storage.Snapshots.Driver = "s3"
	assert.NoError(t, cfg.Validate())
}
