// Package quic carries the sync protocol over QUIC. A client opens one
// bidirectional stream per connection and exchanges newline-delimited JSON
// messages on it.
package quic

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/protocol"
)

var _ collab.Conn = (*Conn)(nil)

const closeCodeNormal quic.ApplicationErrorCode = 0

var newline = []byte{'\n'}

type Config struct {
	CertFile       string        `yaml:"cert_file" json:"cert_file"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
	SendQueueSize  int           `yaml:"send_queue_size" json:"send_queue_size"`
	MaxMessageSize int           `yaml:"max_message_size" json:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive" json:"keep_alive"`
	// StreamTimeout bounds the wait for a new connection's first stream.
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		MaxMessageSize: 4 << 20,
		IdleTimeout:    60 * time.Second,
		KeepAlive:      15 * time.Second,
		StreamTimeout:  10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = def.StreamTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.IdleTimeout,
		KeepAlivePeriod: c.KeepAlive,
	}
}

// Conn is one QUIC connection and its message stream.
type Conn struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	cfg    Config
	logger log.Log

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(conn *quic.Conn, stream *quic.Stream, cfg Config, logger log.Log) *Conn {
	if logger == nil {
		logger = log.NewNop()
	}
	id := uuid.New().String()
	c := &Conn{
		id:     id,
		conn:   conn,
		stream: stream,
		reader: bufio.NewReaderSize(stream, 64*1024),
		cfg:    cfg,
		logger: logger.With(log.String("transport", "quic"), log.String("conn_id", id)),
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Send(ctx context.Context, msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw queues one encoded message. It must not contain a raw newline.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.WithStack(collab.ErrConnClosed)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		data = bytes.ReplaceAll(data, []byte{'\n'}, nil)
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

// Receive returns the next line from the stream without its terminator.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(collab.ErrConnClosed)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := c.readLine()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, c.readError(err)
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (c *Conn) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > c.cfg.MaxMessageSize {
			return nil, errors.Errorf("message exceeds %d bytes", c.cfg.MaxMessageSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func (c *Conn) readError(err error) error {
	var (
		appErr  *quic.ApplicationError
		idleErr *quic.IdleTimeoutError
	)
	switch {
	case c.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errors.Wrap(collab.ErrConnClosed, err.Error())
	case errors.As(err, &appErr):
		return errors.Wrap(collab.ErrConnClosed, appErr.Error())
	case errors.As(err, &idleErr):
		c.logger.Debug("connection idle timeout")
		return errors.Wrap(collab.ErrConnClosed, idleErr.Error())
	default:
		return errors.Wrap(err, "failed to read message")
	}
}

func (c *Conn) writePump() {
	defer func() { _ = c.Close() }()

	for {
		select {
		case data := <-c.send:
			_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_, err := c.stream.Write(data)
			if err == nil {
				_, err = c.stream.Write(newline)
			}
			if err != nil {
				c.logger.Debug("write failed", log.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close finishes the stream and closes the connection with a normal code.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(closeCodeNormal, "connection closed")
	})
	return err
}

// Dial connects to a notesync QUIC listener and opens the message stream.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config, logger log.Log) (*Conn, error) {
	cfg.setDefaults()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCodeNormal, "stream open failed")
		return nil, errors.Wrap(err, "failed to open stream")
	}
	return newConn(conn, stream, cfg, logger), nil
}
