package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned by Conn.Receive once the peer has gone away normally.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by a transport that cannot accept another outgoing message.
	ErrSendQueueFull = errors.New("send queue is full")

	ErrSnapshotsDisabled = errors.New("snapshots are disabled")
)

// TransportError is a failed delivery to one peer. It never fails the
// operation that triggered the delivery.
type TransportError struct {
	PeerID string
	Doc    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send to %s (doc %q): %v", e.PeerID, e.Doc, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
