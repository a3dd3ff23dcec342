package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/vantagenotes/notesync/internal/core/observability/log"
)

// Handler serves one accepted connection. It owns conn and closes it.
type Handler func(ctx context.Context, conn *Conn)

type Listener struct {
	listener *quic.Listener
	cfg      Config
	logger   log.Log
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func Listen(addr string, tlsConf *tls.Config, cfg Config, logger log.Log) (*Listener, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to start QUIC listener")
	}
	l := &Listener{
		listener: ln,
		cfg:      cfg,
		logger:   logger.With(log.String("transport", "quic"), log.String("addr", ln.Addr().String())),
	}
	l.logger.Info("QUIC listener started")
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
// Each connection is served on its own goroutine once its stream is open.
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	defer l.wg.Wait()
	for {
		qc, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "failed to accept QUIC connection")
		}
		l.logger.Debug("QUIC connection accepted", log.String("remote_addr", qc.RemoteAddr().String()))

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, qc, handle)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, qc *quic.Conn, handle Handler) {
	streamCtx, cancel := context.WithTimeout(ctx, l.cfg.StreamTimeout)
	stream, err := qc.AcceptStream(streamCtx)
	cancel()
	if err != nil {
		l.logger.Debug("no stream opened", log.String("remote_addr", qc.RemoteAddr().String()), log.Error(err))
		_ = qc.CloseWithError(closeCodeNormal, "no stream")
		return
	}
	handle(ctx, newConn(qc, stream, l.cfg, l.logger))
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.listener.Close(); err != nil {
		return errors.Wrap(err, "failed to close QUIC listener")
	}
	l.logger.Info("QUIC listener stopped")
	return nil
}
