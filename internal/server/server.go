// Package server exposes the collaboration engine over HTTP: the websocket
// endpoint, an optional QUIC listener and a small admin API.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/events"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/snapshot"
	"github.com/vantagenotes/notesync/internal/transport/quic"
	"github.com/vantagenotes/notesync/internal/transport/websocket"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// QUICAddr enables the QUIC listener when set.
	QUICAddr string `yaml:"quic_addr" json:"quic_addr"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	WebSocket websocket.Config `yaml:"websocket" json:"websocket"`
	QUIC      quic.Config      `yaml:"quic" json:"quic"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		WebSocket:         websocket.DefaultConfig(),
		QUIC:              quic.DefaultConfig(),
	}
}

type Server struct {
	cfg       Config
	engine    *collab.Engine
	snapshots *snapshot.Manager
	upgrader  *websocket.Upgrader
	router    *mux.Router
	logger    log.Log

	// base is the parent context of every client session.
	base   context.Context
	cancel context.CancelFunc

	httpServer   *http.Server
	httpListener net.Listener
	quicListener *quic.Listener
	group        *errgroup.Group
	sessions     sync.WaitGroup

	running atomic.Bool
	closed  atomic.Bool
}

// NewServer builds the router. snapshots may be nil, which disables the
// periodic snapshot worker.
func NewServer(cfg Config, engine *collab.Engine, snapshots *snapshot.Manager, logger log.Log) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With(log.String("component", "server"))
	base, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		snapshots: snapshots,
		upgrader:  websocket.NewUpgrader(cfg.WebSocket, logger),
		logger:    logger,
		base:      base,
		cancel:    cancel,
	}
	s.router = s.routes()
	engine.Events().Subscribe(events.TypeAll, s.logEvent)
	return s
}

func (s *Server) logEvent(_ context.Context, e events.Event) error {
	s.logger.Debug("document event",
		log.String("event", e.Type),
		log.String("doc", e.Doc),
		log.String("peer", e.Peer),
		log.String("user", e.User),
		log.Int("version", e.Version))
	return nil
}

// Handler returns the HTTP handler with every route and middleware attached.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listeners and serves in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.ListenAddr)
	}
	s.httpListener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}

	if s.cfg.QUICAddr != "" {
		tlsConf, err := quic.ServerTLSConfig(s.cfg.QUIC)
		if err != nil {
			_ = ln.Close()
			s.running.Store(false)
			return err
		}
		s.quicListener, err = quic.Listen(s.cfg.QUICAddr, tlsConf, s.cfg.QUIC, s.logger)
		if err != nil {
			_ = ln.Close()
			s.running.Store(false)
			return err
		}
	}

	group, gctx := errgroup.WithContext(s.base)
	s.group = group

	group.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	if s.quicListener != nil {
		group.Go(func() error {
			return s.quicListener.Serve(gctx, s.serveQUIC)
		})
	}
	if s.snapshots != nil && s.snapshots.Config().Interval > 0 {
		group.Go(func() error {
			return s.snapshots.Run(gctx, s.snapshots.Config().Interval, s.engine.SnapshotActive)
		})
	}

	fields := []log.Field{log.String("addr", ln.Addr().String())}
	if s.quicListener != nil {
		fields = append(fields, log.String("quic_addr", s.quicListener.Addr().String()))
	}
	s.logger.Info("server started", fields...)
	return nil
}

// Addr is the bound HTTP address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// QUICAddr is the bound QUIC address, or "" when QUIC is off.
func (s *Server) QUICAddr() string {
	if s.quicListener == nil {
		return ""
	}
	return s.quicListener.Addr().String()
}

// Stop shuts down the listeners, ends every client session and waits for
// the background workers.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.logger.Info("stopping server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "http shutdown"))
	}
	s.cancel()
	if s.quicListener != nil {
		if err := s.quicListener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.sessions.Wait()

	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped")
	return multierr.Combine(errs...)
}

// Close stops the server if it is running. It is safe to call more than once.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err = s.Stop(ctx)
	}
	s.cancel()
	return err
}

func (s *Server) serveQUIC(ctx context.Context, conn *quic.Conn) {
	s.sessions.Add(1)
	defer s.sessions.Done()
	if err := s.engine.Serve(ctx, conn, ""); err != nil {
		s.logger.Warn("quic session ended with error", log.String("remote_addr", conn.RemoteAddr()), log.Error(err))
	}
}
