// Package websocket carries the sync protocol over gorilla websocket
// connections. Each connection owns a bounded send queue drained by a
// single writer goroutine.
package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/protocol"
)

var _ collab.Conn = (*Conn)(nil)

type Config struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" json:"write_buffer_size"`
	SendQueueSize   int           `yaml:"send_queue_size" json:"send_queue_size"`
	MaxMessageSize  int64         `yaml:"max_message_size" json:"max_message_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendQueueSize:   256,
		MaxMessageSize:  4 << 20,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
}

// pingPeriod must stay below the pong timeout.
func (c Config) pingPeriod() time.Duration {
	return c.PongTimeout * 9 / 10
}

// Conn is one websocket client connection.
type Conn struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	logger log.Log

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewConn wraps an established websocket connection and starts its writer.
func NewConn(conn *websocket.Conn, cfg Config, logger log.Log) *Conn {
	c := newConn(conn, cfg, logger)
	go c.writePump()
	return c
}

func newConn(conn *websocket.Conn, cfg Config, logger log.Log) *Conn {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	id := uuid.New().String()
	c := &Conn{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(log.String("transport", "websocket"), log.String("conn_id", id)),
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}

	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send encodes msg and queues it. It never blocks on a slow reader; a full
// queue fails with collab.ErrSendQueueFull.
func (c *Conn) Send(ctx context.Context, msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw queues an already encoded message.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.WithStack(collab.ErrConnClosed)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.WithStack(collab.ErrConnClosed)
	default:
		c.logger.Warn("send queue full, dropping message", log.Int("queue_size", c.cfg.SendQueueSize))
		return errors.WithStack(collab.ErrSendQueueFull)
	}
}

// Receive blocks for the next text or binary message. Cancelling ctx
// unblocks the read.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(collab.ErrConnClosed)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, c.readError(err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *Conn) readError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			c.logger.Debug("unexpected close", log.Int("code", closeErr.Code), log.String("text", closeErr.Text))
		}
		return errors.Wrap(collab.ErrConnClosed, closeErr.Error())
	case c.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errors.Wrap(collab.ErrConnClosed, err.Error())
	default:
		return errors.Wrap(err, "failed to read message")
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer ticker.Stop()
	defer func() { _ = c.Close() }()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", log.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", log.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close sends a normal close frame and closes the socket. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection closed")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Upgrader turns HTTP requests into Conns.
type Upgrader struct {
	upgrader websocket.Upgrader
	cfg      Config
	logger   log.Log
}

func NewUpgrader(cfg Config, logger log.Log) *Upgrader {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	origins := mapset.NewThreadUnsafeSet(cfg.AllowedOrigins...)
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				if origins.Cardinality() == 0 {
					return true
				}
				return origins.Contains(r.Header.Get("Origin"))
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Upgrade completes the websocket handshake. On failure gorilla has already
// written the HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}
	return NewConn(conn, u.cfg, u.logger), nil
}

// Dial opens a client connection to a notesync websocket endpoint.
func Dial(ctx context.Context, url string, cfg Config, logger log.Log) (*Conn, error) {
	cfg.setDefaults()
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.WriteTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return NewConn(conn, cfg, logger), nil
}
