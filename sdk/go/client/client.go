// Package client is a Go client for the notesync server. It joins documents,
// keeps a local copy of their text and version, submits edits and follows
// the edits of other members.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/protocol"
	"github.com/vantagenotes/notesync/internal/transport/quic"
	"github.com/vantagenotes/notesync/internal/transport/websocket"
)

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportQUIC      Transport = "quic"
)

type Config struct {
	// ServerAddr is a ws:// URL for the websocket transport or host:port for QUIC.
	ServerAddr string
	Transport  Transport
	UserID     string
	// ClientID tags the operations produced by this client. Defaults to a random id.
	ClientID string

	ConnectTimeout time.Duration

	Reconnect bool
	// ReconnectInterval is the first backoff delay; it grows up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// MaxReconnectElapsed bounds one reconnection attempt. Zero retries forever.
	MaxReconnectElapsed time.Duration

	// InsecureSkipVerify accepts self-signed QUIC certificates.
	InsecureSkipVerify bool

	WebSocket websocket.Config
	QUIC      quic.Config
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:           "ws://127.0.0.1:8080/ws",
		Transport:            TransportWebSocket,
		ConnectTimeout:       10 * time.Second,
		Reconnect:            true,
		ReconnectInterval:    500 * time.Millisecond,
		MaxReconnectInterval: 30 * time.Second,
		MaxReconnectElapsed:  5 * time.Minute,
		WebSocket:            websocket.DefaultConfig(),
		QUIC:                 quic.DefaultConfig(),
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.ClientID == "" {
		c.ClientID = uuid.New().String()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = def.MaxReconnectInterval
	}
}

// ChangeKind tells a handler what moved a document.
type ChangeKind string

const (
	// ChangeInit means the server replaced the local state.
	ChangeInit ChangeKind = "init"
	// ChangeRemote means another member's operations were applied.
	ChangeRemote ChangeKind = "remote"
)

// State is a copy of one joined document.
type State struct {
	Doc     string
	Text    string
	Version int
	Mode    protocol.Mode
	User    string
}

// Handler is called from the receive loop after a document changed. It must not block.
type Handler func(kind ChangeKind, state State)

// conn is satisfied by both transports.
type conn interface {
	ID() string
	SendRaw(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}

type document struct {
	state  State
	synced bool
	ready  chan struct{}
	once   sync.Once
}

func (d *document) markReady() {
	d.synced = true
	d.once.Do(func() { close(d.ready) })
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger log.Log

	mu       sync.Mutex
	conn     conn
	docs     map[string]*document
	handlers []Handler

	connected  atomic.Bool
	closed     atomic.Bool
	reconnects atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger log.Log) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: logger.With(log.String("component", "client"), log.String("client_id", cfg.ClientID)),
		docs:   make(map[string]*document),
		ctx:    ctx,
		cancel: cancel,
	}
	return c
}

// Connect dials the server and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	cn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("failed to connect", log.String("addr", c.cfg.ServerAddr), log.Error(err))
		return err
	}
	c.attach(cn)
	c.logger.Info("connected", log.String("remote_addr", cn.RemoteAddr()), log.String("transport", string(c.cfg.Transport)))
	return nil
}

func (c *Client) dial(ctx context.Context) (conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	switch c.cfg.Transport {
	case TransportWebSocket:
		u, err := c.webSocketURL()
		if err != nil {
			return nil, err
		}
		cn, err := websocket.Dial(ctx, u, c.cfg.WebSocket, c.logger)
		if err != nil {
			return nil, err
		}
		return cn, nil
	case TransportQUIC:
		cn, err := quic.Dial(ctx, c.cfg.ServerAddr, quic.ClientTLSConfig(c.cfg.InsecureSkipVerify), c.cfg.QUIC, c.logger)
		if err != nil {
			return nil, err
		}
		return cn, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.cfg.Transport)
	}
}

func (c *Client) webSocketURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.cfg.UserID != "" {
		q := u.Query()
		q.Set("user_id", c.cfg.UserID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) attach(cn conn) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receive(cn)
	}()
}

// Join joins docID and waits for its first init.
func (c *Client) Join(ctx context.Context, docID string) (State, error) {
	c.mu.Lock()
	d, ok := c.docs[docID]
	if !ok {
		d = &document{state: State{Doc: docID}, ready: make(chan struct{})}
		c.docs[docID] = d
		if err := c.sendLocked(ctx, protocol.JoinDoc{Doc: docID, UserID: c.cfg.UserID}); err != nil {
			delete(c.docs, docID)
			c.mu.Unlock()
			return State{}, err
		}
	}
	ready := d.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-c.ctx.Done():
		return State{}, ErrClientClosed
	}

	state, _ := c.State(docID)
	return state, nil
}

// Leave stops following docID.
func (c *Client) Leave(ctx context.Context, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[docID]; !ok {
		return ErrNotJoined
	}
	delete(c.docs, docID)
	return c.sendLocked(ctx, protocol.LeaveDoc{Doc: docID, UserID: c.cfg.UserID})
}

// Edit applies specs to the local text and submits them as one batch on top
// of the local version. A rejected batch is repaired by the init the server
// sends back. A document loaded in single mode has no known version and
// refuses edits with ErrSingleMode until a broadcast or a collaborative init
// supplies one.
func (c *Client) Edit(ctx context.Context, docID string, specs ...changes.Spec) (State, error) {
	if len(specs) == 0 {
		return State{}, ErrNoChanges
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.docs[docID]
	if !ok {
		return State{}, ErrNotJoined
	}
	if !d.synced {
		return State{}, ErrNotSynced
	}
	if d.state.Mode == protocol.ModeSingle {
		return State{}, ErrSingleMode
	}

	ops := make([]changes.Operation, len(specs))
	for i, spec := range specs {
		ops[i] = changes.Operation{ClientID: c.cfg.ClientID, Changes: spec}
	}
	msg := protocol.Updates{Doc: docID, Version: d.state.Version, Ops: ops, UserID: c.cfg.UserID}
	if err := c.sendLocked(ctx, msg); err != nil {
		return State{}, err
	}

	d.state.Text = changes.ApplyAll(d.state.Text, specs...)
	d.state.Version += len(ops)
	return d.state, nil
}

// Resync asks the server to resend the full state of docID.
func (c *Client) Resync(ctx context.Context, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[docID]; !ok {
		return ErrNotJoined
	}
	return c.sendLocked(ctx, protocol.ResyncRequest{Doc: docID, UserID: c.cfg.UserID})
}

func (c *Client) sendLocked(ctx context.Context, msg protocol.ClientMessage) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.SendRaw(ctx, data)
}

func (c *Client) State(docID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[docID]
	if !ok {
		return State{}, false
	}
	return d.state, true
}

// Docs lists the joined documents in order.
func (c *Client) Docs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]string, 0, len(c.docs))
	for id := range c.docs {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs
}

func (c *Client) OnChange(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close ends the connection and stops reconnecting.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.connected.Store(false)

	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()

	var err error
	if cn != nil {
		err = cn.Close()
	}
	c.wg.Wait()
	c.logger.Info("client closed")
	return err
}

// --- Receive loop ---

func (c *Client) receive(cn conn) {
	for {
		data, err := cn.Receive(c.ctx)
		if err != nil {
			c.lost(cn, err)
			return
		}
		c.handleRaw(data)
	}
}

func (c *Client) handleRaw(data []byte) {
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		c.logger.Warn("dropping server message", log.Error(err))
		return
	}

	c.mu.Lock()
	d, ok := c.docs[msg.Document()]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("message for unjoined document", log.String("doc", msg.Document()))
		return
	}

	var kind ChangeKind
	switch m := msg.(type) {
	case protocol.Init:
		kind = ChangeInit
		d.state.Mode = m.Mode
		d.state.User = ""
		if m.Mode == protocol.ModeSingle {
			// Single mode carries no version; edits wait for one.
			d.state.Text = m.Text
			d.state.Version = 0
		} else {
			d.state.Text = changes.ApplyAll("", specsOf(m.Updates)...)
			d.state.Version = m.Version
		}
		d.markReady()
	case protocol.Broadcast:
		kind = ChangeRemote
		d.state.Text = changes.ApplyAll(d.state.Text, specsOf(m.Updates)...)
		d.state.Version = m.Version
		d.state.User = m.User
		// A broadcast means other members exist and carries the real version.
		d.state.Mode = protocol.ModeCollaborative
	}
	state := d.state
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	c.logger.Debug("document updated",
		log.String("doc", state.Doc), log.String("kind", string(kind)), log.Int("version", state.Version))
	for _, h := range handlers {
		h(kind, state)
	}
}

func specsOf(ops []changes.Operation) []changes.Spec {
	specs := make([]changes.Spec, 0, len(ops))
	for _, op := range ops {
		if op.Changes != nil {
			specs = append(specs, op.Changes)
		}
	}
	return specs
}

// lost handles the end of cn's receive loop.
func (c *Client) lost(cn conn, err error) {
	_ = cn.Close()
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}
	if errors.Is(err, collab.ErrConnClosed) {
		c.logger.Warn("connection closed by server")
	} else {
		c.logger.Warn("connection lost", log.Error(err))
	}
	if !c.cfg.Reconnect {
		return
	}

	c.mu.Lock()
	for _, d := range c.docs {
		d.synced = false
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect()
	}()
}

// reconnect dials with exponential backoff and rejoins every document.
func (c *Client) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInterval
	policy.MaxInterval = c.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = c.cfg.MaxReconnectElapsed

	var cn conn
	err := backoff.RetryNotify(func() error {
		var err error
		cn, err = c.dial(c.ctx)
		return err
	}, backoff.WithContext(policy, c.ctx), func(err error, next time.Duration) {
		c.logger.Info("reconnect attempt failed", log.Error(err), log.Duration("retry_in", next))
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("giving up reconnecting", log.Error(err))
		}
		return
	}
	if c.closed.Load() {
		_ = cn.Close()
		return
	}

	c.reconnects.Add(1)
	c.attach(cn)

	c.mu.Lock()
	defer c.mu.Unlock()
	for docID := range c.docs {
		if err := c.sendLocked(c.ctx, protocol.JoinDoc{Doc: docID, UserID: c.cfg.UserID}); err != nil {
			c.logger.Warn("rejoin failed", log.String("doc", docID), log.Error(err))
		}
	}
	c.logger.Info("reconnected", log.Int("docs", len(c.docs)), log.Int64("reconnects", c.reconnects.Load()))
}
