// Package storage holds what the persistence backends share.
package storage

import (
	"errors"
	"fmt"
)

var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidDocID  = errors.New("invalid document id")
	ErrNotConfigured = errors.New("storage backend not configured")
)

// StorageError is returned for every failure of a backing store.
type StorageError struct {
	Op        string
	Component string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, else a *StorageError.
func Wrap(component, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Component: component, Err: err}
}
