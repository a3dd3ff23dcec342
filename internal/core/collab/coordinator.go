package collab

import (
	"context"
	"errors"
	"sync"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/events"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/protocol"
	"github.com/vantagenotes/notesync/internal/core/session"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

// Conn is one duplex client connection as seen by the engine.
type Conn interface {
	session.Peer
	// Receive blocks for the next raw client message. It returns an error
	// wrapping ErrConnClosed when the peer disconnects.
	Receive(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}

// Coordinator runs the sync protocol for one connection. Doc-scoped
// operations take the engine's lock for that document.
type Coordinator struct {
	engine  *Engine
	session *session.Session
	logger  log.Log

	closeOnce sync.Once
}

func (c *Coordinator) ID() string {
	return c.session.ID()
}

func (c *Coordinator) Session() *session.Session {
	return c.session
}

// HandleRaw decodes and handles one client message.
func (c *Coordinator) HandleRaw(ctx context.Context, data []byte) error {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return err
	}
	return c.Handle(ctx, msg)
}

func (c *Coordinator) Handle(ctx context.Context, msg protocol.ClientMessage) error {
	c.session.SetUserID(msg.User())
	c.logger.Debug("message received", log.String("type", msg.Type()), log.String("doc", msg.Document()))

	switch m := msg.(type) {
	case protocol.JoinDoc:
		return c.JoinDoc(ctx, m.Doc)
	case protocol.LeaveDoc:
		return c.LeaveDoc(ctx, m.Doc)
	case protocol.Updates:
		return c.Updates(ctx, m.Doc, m.Version, m.Ops)
	case protocol.ResyncRequest:
		return c.Resync(ctx, m.Doc)
	default:
		return &protocol.ProtocolError{Type: msg.Type(), Doc: msg.Document(), Err: protocol.ErrUnknownType}
	}
}

// JoinDoc registers the connection for docID and sends it the current state.
func (c *Coordinator) JoinDoc(ctx context.Context, docID string) error {
	e := c.engine
	unlock := e.locks.Lock(docID)
	defer unlock()

	if !c.session.Join(docID) {
		c.logger.Debug("document already joined", log.String("doc", docID))
		return nil
	}
	if err := e.ensureSeeded(ctx, docID); err != nil {
		c.session.Leave(docID)
		return err
	}
	e.registry.Join(docID, c.session.Peer)

	init, err := e.initFor(ctx, docID, c.ID())
	if err != nil {
		e.registry.Leave(docID, c.ID())
		c.session.Leave(docID)
		return err
	}
	c.logger.Info("document joined",
		log.String("doc", docID),
		log.String("user", c.session.UserID()),
		log.Int("members", e.registry.Count(docID)))
	e.publish(ctx, events.Event{Type: events.TypeJoined, Doc: docID, Peer: c.ID(), User: c.session.UserID(), Version: init.Version})
	return c.sendInit(ctx, init)
}

// LeaveDoc unregisters the connection from docID. Leaving a document that was
// never joined does nothing.
func (c *Coordinator) LeaveDoc(ctx context.Context, docID string) error {
	e := c.engine
	unlock := e.locks.Lock(docID)
	defer unlock()

	if !c.session.Leave(docID) {
		c.logger.Debug("leave for unjoined document", log.String("doc", docID))
		return nil
	}
	e.registry.Leave(docID, c.ID())
	c.logger.Info("document left", log.String("doc", docID))
	e.publish(ctx, events.Event{Type: events.TypeLeft, Doc: docID, Peer: c.ID(), User: c.session.UserID()})
	return nil
}

// Updates applies the version check to a batch of operations. Only a batch
// built on exactly the server version is recorded; otherwise the client is
// sent a fresh init.
func (c *Coordinator) Updates(ctx context.Context, docID string, version int, ops []changes.Operation) error {
	e := c.engine
	unlock := e.locks.Lock(docID)
	defer unlock()

	if !c.session.Joined(docID) {
		return protocol.NotJoined(protocol.TypeUpdates, docID)
	}

	current, err := e.updates.Version(ctx, docID)
	if err != nil {
		return err
	}

	switch {
	case version < current:
		c.logger.Info("client behind, resending state",
			log.String("doc", docID), log.Int("client_version", version), log.Int("server_version", current))
		init, err := e.initFor(ctx, docID, c.ID())
		if err != nil {
			return err
		}
		c.resynced(ctx, init)
		return c.sendInit(ctx, init)

	case version > current:
		c.logger.Warn("client ahead of server, resending canonical state",
			log.String("doc", docID), log.Int("client_version", version), log.Int("server_version", current))
		init, err := e.canonicalInit(ctx, docID)
		if err != nil {
			return err
		}
		c.resynced(ctx, init)
		return c.sendInit(ctx, init)
	}

	user := c.session.UserID()
	next, err := e.updates.Append(ctx, docID, user, ops...)
	if err != nil {
		return err
	}
	c.session.SetVersion(docID, next)
	e.accepted.Add(int64(len(ops)))

	delivered := e.broadcast(ctx, docID, c.ID(), protocol.Broadcast{
		Doc:     docID,
		Updates: ops,
		Version: next,
		User:    user,
	})
	c.logger.Debug("updates accepted",
		log.String("doc", docID),
		log.Int("ops", len(ops)),
		log.Int("version", next),
		log.Int("delivered", delivered))

	content, err := e.reconstructor.Reconstruct(ctx, docID)
	if err != nil {
		return err
	}
	e.publish(ctx, events.Event{
		Type:    events.TypeAccepted,
		Doc:     docID,
		Peer:    c.ID(),
		User:    user,
		Version: next,
		Ops:     len(ops),
		Text:    content,
	})
	return nil
}

// Resync resends the full init for docID regardless of versions.
func (c *Coordinator) Resync(ctx context.Context, docID string) error {
	e := c.engine
	unlock := e.locks.Lock(docID)
	defer unlock()

	if !c.session.Joined(docID) {
		return protocol.NotJoined(protocol.TypeResyncRequest, docID)
	}
	init, err := e.initFor(ctx, docID, c.ID())
	if err != nil {
		return err
	}
	c.resynced(ctx, init)
	return c.sendInit(ctx, init)
}

func (c *Coordinator) resynced(ctx context.Context, init protocol.Init) {
	c.engine.resyncs.Add(1)
	c.engine.publish(ctx, events.Event{Type: events.TypeResync, Doc: init.Doc, Peer: c.ID(), User: c.session.UserID(), Version: init.Version})
}

func (c *Coordinator) sendInit(ctx context.Context, init protocol.Init) error {
	c.session.SetVersion(init.Doc, init.Version)
	if err := c.session.Peer.Send(ctx, init); err != nil {
		return &TransportError{PeerID: c.ID(), Doc: init.Doc, Err: err}
	}
	return nil
}

// Close removes the connection from every joined document. It runs once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		e := c.engine
		for _, docID := range c.session.Docs() {
			unlock := e.locks.Lock(docID)
			e.registry.Leave(docID, c.ID())
			c.session.Leave(docID)
			unlock()
		}
		e.registry.LeaveAll(c.ID())
		e.connections.Add(-1)
		c.logger.Info("connection closed", log.String("user", c.session.UserID()))
	})
}

// Serve runs the receive loop of conn until it closes or ctx is done.
// Failed messages are logged and the loop continues.
func (e *Engine) Serve(ctx context.Context, conn Conn, userID string) error {
	c := e.Connect(conn, userID)
	defer c.Close()
	defer conn.Close()

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrConnClosed) || ctx.Err() != nil {
				c.logger.Debug("receive loop finished", log.Error(err))
				return nil
			}
			return err
		}
		if err := c.HandleRaw(ctx, data); err != nil {
			c.logHandleError(err)
		}
	}
}

func (c *Coordinator) logHandleError(err error) {
	var (
		perr *protocol.ProtocolError
		serr *storage.StorageError
		terr *TransportError
	)
	switch {
	case errors.As(err, &perr), errors.Is(err, changes.ErrValidation):
		c.logger.Warn("message dropped", log.Error(err))
	case errors.As(err, &terr):
		c.logger.Debug("reply not delivered", log.Error(err))
	case errors.As(err, &serr):
		c.logger.Error("storage failure", log.String("op", serr.Op), log.String("store", serr.Component), log.Error(serr.Err))
	case errors.Is(err, context.Canceled):
		c.logger.Debug("request cancelled", log.Error(err))
	default:
		c.logger.Error("message failed", log.Error(err))
	}
}
