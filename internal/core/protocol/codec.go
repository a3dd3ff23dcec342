package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vantagenotes/notesync/internal/core/changes"
)

// Encode serializes a client or server message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return data, nil
}

type rawClientEnvelope struct {
	Type    string          `json:"type"`
	Doc     string          `json:"doc"`
	UserID  string          `json:"user_id"`
	Version *int            `json:"version"`
	Updates json.RawMessage `json:"updates"`
}

// DecodeClient parses one client message. Every failure is a *ProtocolError;
// invalid operations additionally match changes.ErrValidation.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env rawClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), Err: ErrInvalidMessage}
	}

	switch env.Type {
	case TypeJoinDoc, TypeLeaveDoc, TypeResyncRequest, TypeUpdates:
	case "":
		return nil, &ProtocolError{Reason: "missing type", Err: ErrInvalidMessage}
	default:
		return nil, &ProtocolError{Type: env.Type, Err: ErrUnknownType}
	}
	if env.Doc == "" {
		return nil, &ProtocolError{Type: env.Type, Err: ErrMissingDocument}
	}

	switch env.Type {
	case TypeJoinDoc:
		return JoinDoc{Doc: env.Doc, UserID: env.UserID}, nil
	case TypeLeaveDoc:
		return LeaveDoc{Doc: env.Doc, UserID: env.UserID}, nil
	case TypeResyncRequest:
		return ResyncRequest{Doc: env.Doc, UserID: env.UserID}, nil
	}

	if env.Version == nil {
		return nil, &ProtocolError{Type: env.Type, Doc: env.Doc, Reason: "missing version", Err: ErrInvalidMessage}
	}
	var ops []changes.Operation
	if err := json.Unmarshal(env.Updates, &ops); err != nil {
		return nil, &ProtocolError{Type: env.Type, Doc: env.Doc, Reason: "updates", Err: err}
	}
	if len(ops) == 0 {
		return nil, &ProtocolError{Type: env.Type, Doc: env.Doc, Reason: "no updates", Err: ErrInvalidMessage}
	}
	return Updates{Doc: env.Doc, Version: *env.Version, Ops: ops, UserID: env.UserID}, nil
}

type rawServerEnvelope struct {
	Type    string              `json:"type"`
	Doc     string              `json:"doc"`
	Mode    Mode                `json:"mode"`
	Text    string              `json:"text"`
	Updates []changes.Operation `json:"updates"`
	Version int                 `json:"version"`
	User    string              `json:"user"`
}

// DecodeServer parses one server message. It is used by Go clients and tests.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env rawServerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), Err: ErrInvalidMessage}
	}
	switch env.Type {
	case TypeInit:
		return Init{Doc: env.Doc, Mode: env.Mode, Text: env.Text, Updates: env.Updates, Version: env.Version}, nil
	case TypeUpdates:
		return Broadcast{Doc: env.Doc, Updates: env.Updates, Version: env.Version, User: env.User}, nil
	default:
		return nil, &ProtocolError{Type: env.Type, Err: ErrUnknownType}
	}
}
