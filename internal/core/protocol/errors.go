package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors
var (
	ErrUnknownType         = errors.New("unknown message type")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrMissingDocument     = errors.New("message has no document id")
	ErrNotJoined           = errors.New("document not joined")
	ErrSerializationFailed = errors.New("message serialization failed")
)

// ProtocolError is a message the server cannot act on. The connection that
// sent it stays open.
type ProtocolError struct {
	Type   string
	Doc    string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Type != "" {
		msg += " (" + e.Type + ")"
	}
	if e.Doc != "" {
		msg += fmt.Sprintf(" doc=%q", e.Doc)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NotJoined reports a doc-scoped message for a document the connection never joined.
func NotJoined(msgType, doc string) error {
	return &ProtocolError{Type: msgType, Doc: doc, Err: ErrNotJoined}
}
