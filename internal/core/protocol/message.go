// Package protocol defines the JSON messages exchanged between editors and
// the sync server. Every message is an object with a "type" field.
package protocol

import (
	"encoding/json"

	"github.com/vantagenotes/notesync/internal/core/changes"
)

const (
	TypeJoinDoc       = "joinDoc"
	TypeLeaveDoc      = "leaveDoc"
	TypeUpdates       = "updates"
	TypeResyncRequest = "resync-request"
	TypeInit          = "init"
)

// Mode tells a client how to load an init message.
type Mode string

const (
	// ModeSingle carries the full document text.
	ModeSingle Mode = "single"
	// ModeCollaborative carries the full update history and its version.
	ModeCollaborative Mode = "collaborative"
)

// --- Client messages ---

// ClientMessage is one of JoinDoc, LeaveDoc, Updates or ResyncRequest.
type ClientMessage interface {
	Type() string
	Document() string
	// User is the optional user id carried by the message.
	User() string
}

type JoinDoc struct {
	Doc    string
	UserID string
}

type LeaveDoc struct {
	Doc    string
	UserID string
}

type ResyncRequest struct {
	Doc    string
	UserID string
}

// Updates submits operations the client produced on top of Version.
type Updates struct {
	Doc     string
	Version int
	Ops     []changes.Operation
	UserID  string
}

func (JoinDoc) Type() string       { return TypeJoinDoc }
func (LeaveDoc) Type() string      { return TypeLeaveDoc }
func (ResyncRequest) Type() string { return TypeResyncRequest }
func (Updates) Type() string       { return TypeUpdates }

func (m JoinDoc) Document() string       { return m.Doc }
func (m LeaveDoc) Document() string      { return m.Doc }
func (m ResyncRequest) Document() string { return m.Doc }
func (m Updates) Document() string       { return m.Doc }

func (m JoinDoc) User() string       { return m.UserID }
func (m LeaveDoc) User() string      { return m.UserID }
func (m ResyncRequest) User() string { return m.UserID }
func (m Updates) User() string       { return m.UserID }

type clientEnvelope struct {
	Type    string              `json:"type"`
	Doc     string              `json:"doc,omitempty"`
	UserID  string              `json:"user_id,omitempty"`
	Version *int                `json:"version,omitempty"`
	Updates []changes.Operation `json:"updates,omitempty"`
}

func (m JoinDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(clientEnvelope{Type: TypeJoinDoc, Doc: m.Doc, UserID: m.UserID})
}

func (m LeaveDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(clientEnvelope{Type: TypeLeaveDoc, Doc: m.Doc, UserID: m.UserID})
}

func (m ResyncRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(clientEnvelope{Type: TypeResyncRequest, Doc: m.Doc, UserID: m.UserID})
}

func (m Updates) MarshalJSON() ([]byte, error) {
	version := m.Version
	return json.Marshal(clientEnvelope{
		Type:    TypeUpdates,
		Doc:     m.Doc,
		UserID:  m.UserID,
		Version: &version,
		Updates: m.Ops,
	})
}

// --- Server messages ---

// ServerMessage is either Init or Broadcast.
type ServerMessage interface {
	Type() string
	Document() string
}

// Init replaces a client's state for Doc. In single mode only Text is
// sent; in collaborative mode Updates and Version are sent.
type Init struct {
	Doc     string
	Mode    Mode
	Text    string
	Updates []changes.Operation
	Version int
}

// Broadcast relays accepted operations to the other members of Doc.
type Broadcast struct {
	Doc     string
	Updates []changes.Operation
	Version int
	User    string
}

func (Init) Type() string      { return TypeInit }
func (Broadcast) Type() string { return TypeUpdates }

func (m Init) Document() string      { return m.Doc }
func (m Broadcast) Document() string { return m.Doc }

type serverEnvelope struct {
	Type     string              `json:"type"`
	Doc      string              `json:"doc"`
	ClientID string              `json:"clientID,omitempty"`
	Mode     Mode                `json:"mode,omitempty"`
	Text     *string             `json:"text,omitempty"`
	Updates  []changes.Operation `json:"updates,omitempty"`
	Version  *int                `json:"version,omitempty"`
	User     *string             `json:"user,omitempty"`
}

func (m Init) MarshalJSON() ([]byte, error) {
	env := serverEnvelope{
		Type:     TypeInit,
		Doc:      m.Doc,
		ClientID: changes.SystemClientID,
		Mode:     m.Mode,
	}
	if m.Mode == ModeSingle {
		text := m.Text
		env.Text = &text
	} else {
		version := m.Version
		env.Version = &version
		env.Updates = nonNil(m.Updates)
	}
	return marshalEnvelope(env)
}

func (m Broadcast) MarshalJSON() ([]byte, error) {
	version, user := m.Version, m.User
	return marshalEnvelope(serverEnvelope{
		Type:    TypeUpdates,
		Doc:     m.Doc,
		Updates: nonNil(m.Updates),
		Version: &version,
		User:    &user,
	})
}

// marshalEnvelope keeps an empty updates list as [] on the wire.
func marshalEnvelope(env serverEnvelope) ([]byte, error) {
	if env.Updates == nil || len(env.Updates) > 0 {
		return json.Marshal(env)
	}
	type withUpdates struct {
		serverEnvelope
		Updates []changes.Operation `json:"updates"`
	}
	return json.Marshal(withUpdates{serverEnvelope: env, Updates: env.Updates})
}

func nonNil(ops []changes.Operation) []changes.Operation {
	if ops == nil {
		return []changes.Operation{}
	}
	return ops
}
