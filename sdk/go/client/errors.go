package client

import "errors"

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrNotJoined        = errors.New("document not joined")

	// ErrNotSynced is returned by Edit while the document waits for an init
	// after a reconnect.
	ErrNotSynced = errors.New("document not synced")

	// ErrSingleMode is returned by Edit for a document loaded from a
	// single-mode init, which carries no version to build on.
	ErrSingleMode = errors.New("document is in single mode")
	ErrNoChanges  = errors.New("no changes to send")
)
