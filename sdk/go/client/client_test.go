package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/protocol"
	"github.com/vantagenotes/notesync/internal/core/storage/text"
	"github.com/vantagenotes/notesync/internal/core/storage/updatelog"
	"github.com/vantagenotes/notesync/internal/server"
	"github.com/vantagenotes/notesync/internal/transport/websocket"
)

const waitFor = 5 * time.Second

type testServer struct {
	engine *collab.Engine
	texts  *text.MemoryStore
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	texts := text.NewMemoryStore()
	engine := collab.NewEngine(updatelog.NewMemoryStore(), texts, nil, nil, collab.DefaultConfig(), nil)
	s := server.NewServer(server.DefaultConfig(), engine, nil, nil)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		hs.Close()
	})
	return &testServer{
		engine: engine,
		texts:  texts,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

func connect(t *testing.T, addr, user string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerAddr = addr
	cfg.UserID = user
	cfg.ClientID = user
	cfg.Reconnect = false
	c := New(cfg, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventuallyText(t *testing.T, c *Client, doc, want string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		state, ok := c.State(doc)
		return ok && state.Text == want
	}, waitFor, 10*time.Millisecond, "waiting for %q", want)
}

func TestClientsFollowEachOther(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	srv := newTestServer(t)
	require.NoError(t, srv.texts.Write(ctx, "notes/a", "hello"))

	alice := connect(t, srv.url, "alice")
	bob := connect(t, srv.url, "bob")

	state, err := alice.Join(ctx, "notes/a")
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeSingle, state.Mode)
	assert.Equal(t, "hello", state.Text)

	state, err = bob.Join(ctx, "notes/a")
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeCollaborative, state.Mode)
	assert.Equal(t, "hello", state.Text)
	assert.Equal(t, 1, state.Version)

	var remote atomic.Int32
	alice.OnChange(func(kind ChangeKind, s State) {
		if kind == ChangeRemote {
			remote.Add(1)
		}
	})

	state, err = bob.Edit(ctx, "notes/a", changes.Insert{Pos: 5, Text: " world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", state.Text)
	assert.Equal(t, 2, state.Version)

	eventuallyText(t, alice, "notes/a", "hello world")
	got, _ := alice.State("notes/a")
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "bob", got.User)
	assert.Eventually(t, func() bool { return remote.Load() == 1 }, waitFor, 10*time.Millisecond)

	_, err = alice.Edit(ctx, "notes/a", changes.Edit{RetainBefore: 0, Op: changes.DeleteOne{}, RetainAfter: 10})
	require.NoError(t, err)
	eventuallyText(t, bob, "notes/a", "ello world")

	assert.Eventually(t, func() bool {
		v, err := srv.engine.Version(ctx, "notes/a")
		return err == nil && v == 3
	}, waitFor, 10*time.Millisecond)
}

func TestSingleModeRefusesEdits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	srv := newTestServer(t)
	require.NoError(t, srv.texts.Write(ctx, "b", "base"))

	alone := connect(t, srv.url, "alone")
	state, err := alone.Join(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeSingle, state.Mode)
	assert.Equal(t, "base", state.Text)

	_, err = alone.Edit(ctx, "b", changes.Insert{Pos: 0, Text: "x"})
	assert.ErrorIs(t, err, ErrSingleMode)
	state, _ = alone.State("b")
	assert.Equal(t, "base", state.Text, "refused edit is not applied locally")

	other := connect(t, srv.url, "other")
	_, err = other.Join(ctx, "b")
	require.NoError(t, err)
	_, err = other.Edit(ctx, "b", changes.Insert{Pos: 4, Text: "!"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, ok := alone.State("b")
		return ok && s.Mode == protocol.ModeCollaborative && s.Version == 2
	}, waitFor, 10*time.Millisecond)

	state, err = alone.Edit(ctx, "b", changes.Insert{Pos: 0, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "xbase!", state.Text)
	eventuallyText(t, other, "b", "xbase!")

	v, err := srv.engine.Version(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	idle := New(Config{ServerAddr: srv.url}, nil)
	defer idle.Close()
	_, err := idle.Join(ctx, "a")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, idle.Docs())

	c := connect(t, srv.url, "u")
	_, err = c.Edit(ctx, "a", changes.Insert{Text: "x"})
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = c.Edit(ctx, "a")
	assert.ErrorIs(t, err, ErrNoChanges)
	assert.ErrorIs(t, c.Leave(ctx, "a"), ErrNotJoined)
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)

	_, err = c.Join(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, c.Docs())
	require.NoError(t, c.Leave(ctx, "a"))
	assert.Empty(t, c.Docs())

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(ctx), ErrClientClosed)

	bad := New(Config{ServerAddr: srv.url, Transport: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, bad.Connect(ctx), ErrInvalidConfig)
}

func TestReconnectRejoinsDocuments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		conns atomic.Int32
		wg    sync.WaitGroup
	)
	upgrader := websocket.NewUpgrader(websocket.Config{}, nil)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		wg.Add(1)
		defer wg.Done()
		defer conn.Close()

		n := conns.Add(1)
		data, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil || msg.Type() != protocol.TypeJoinDoc {
			return
		}
		if n == 1 {
			return
		}
		_ = conn.Send(ctx, protocol.Init{
			Doc:     msg.Document(),
			Mode:    protocol.ModeCollaborative,
			Updates: []changes.Operation{changes.FullText("second")},
			Version: 1,
		})
		for {
			if _, err := conn.Receive(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		cancel()
		hs.Close()
		wg.Wait()
	})

	cfg := DefaultConfig()
	cfg.ServerAddr = "ws" + strings.TrimPrefix(hs.URL, "http")
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectInterval = 50 * time.Millisecond
	c := New(cfg, nil)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	joinCtx, joinCancel := context.WithTimeout(ctx, waitFor)
	defer joinCancel()
	state, err := c.Join(joinCtx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "second", state.Text)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, int64(1), c.Reconnects())
	assert.True(t, c.IsConnected())
}
