// Package changes holds the positional edit model: the closed set of change
// shapes a client may submit, their JSON codec, and the pure applier.
package changes

import (
	"bytes"
	"encoding/json"
	"math"
)

// SystemClientID tags operations synthesized by the server itself.
const SystemClientID = "system"

// Spec is one decoded change. The set of implementations is closed:
// Insert, Retain and Edit.
type Spec interface {
	json.Marshaler
	apply(buf []rune) []rune
	isSpec()
}

// Insert places Text at Pos. A full-text seed is Insert{Pos: 0} on an empty buffer.
type Insert struct {
	Pos  int
	Text string
}

// Retain truncates the buffer to Count characters.
type Retain struct {
	Count int
}

// Edit applies Op at RetainBefore. RetainAfter is carried for the wire format only.
type Edit struct {
	RetainBefore int
	Op           EditOp
	RetainAfter  int
}

// EditOp is either InsertText or DeleteOne.
type EditOp interface {
	isEditOp()
}

// InsertText places Text at the edit position.
type InsertText struct {
	Text string
}

// DeleteOne removes exactly one character. Longer deletions are sent as one
// operation per character.
type DeleteOne struct{}

func (Insert) isSpec() {}
func (Retain) isSpec() {}
func (Edit) isSpec() {}
func (InsertText) isEditOp() {}
func (DeleteOne) isEditOp() {}

func (s Insert) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{[]any{s.Pos, s.Text}})
}

func (s Retain) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{[]any{s.Count}})
}

func (s Edit) MarshalJSON() ([]byte, error) {
	var op []any
	switch o := s.Op.(type) {
	case InsertText:
		op = []any{0, o.Text}
	case DeleteOne:
		op = []any{1}
	default:
		return nil, malformed("edit without operation")
	}
	return json.Marshal([]any{s.RetainBefore, op, s.RetainAfter})
}

// Operation is one submitted edit together with its authoring client.
type Operation struct {
	ClientID string
	Changes  Spec
}

// FullText builds the system operation that seeds an empty buffer with text.
func FullText(text string) Operation {
	return Operation{ClientID: SystemClientID, Changes: Insert{Pos: 0, Text: text}}
}

func (o Operation) Validate() error {
	if o.Changes == nil {
		return missing("changes")
	}
	if o.ClientID == "" {
		return missing("clientID")
	}
	if e, ok := o.Changes.(Edit); ok && e.Op == nil {
		return malformed("edit without operation")
	}
	return nil
}

type wireOperation struct {
	Changes  json.RawMessage `json:"changes"`
	ClientID *string         `json:"clientID"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	changes, err := o.Changes.MarshalJSON()
	if err != nil {
		return nil, err
	}
	clientID := o.ClientID
	return json.Marshal(wireOperation{Changes: changes, ClientID: &clientID})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return &ValidationError{Reason: err.Error(), Err: ErrMalformedChange}
	}
	if len(w.Changes) == 0 || bytes.Equal(w.Changes, []byte("null")) {
		return missing("changes")
	}
	if w.ClientID == nil || *w.ClientID == "" {
		return missing("clientID")
	}
	spec, err := DecodeSpec(w.Changes)
	if err != nil {
		return err
	}
	o.ClientID = *w.ClientID
	o.Changes = spec
	return nil
}

// DecodeSpec recognizes the accepted change shapes:
//
//	[[pos, "text"]]          Insert
//	[[n]] or [n]             Retain
//	[before, [0, "text"]]    Edit insert, optional third element retainAfter
//	[before, [1]]            Edit delete, optional third element retainAfter
func DecodeSpec(raw json.RawMessage) (Spec, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, malformed("expected an array")
	}

	switch len(top) {
	case 0:
		return nil, malformed("empty")
	case 1:
		if n, ok := decodeInt(top[0]); ok {
			return Retain{Count: n}, nil
		}
		var inner []json.RawMessage
		if err := json.Unmarshal(top[0], &inner); err != nil {
			return nil, malformed("expected [pos, text] or [retain]")
		}
		switch len(inner) {
		case 1:
			n, ok := decodeInt(inner[0])
			if !ok {
				return nil, malformed("retain must be an integer")
			}
			return Retain{Count: n}, nil
		case 2:
			pos, ok := decodeInt(inner[0])
			if !ok {
				return nil, malformed("insert position must be an integer")
			}
			text, ok := decodeString(inner[1])
			if !ok {
				return nil, malformed("insert content must be a string")
			}
			return Insert{Pos: pos, Text: text}, nil
		default:
			return nil, malformed("unexpected element of length %d", len(inner))
		}
	case 2, 3:
		before, ok := decodeInt(top[0])
		if !ok {
			return nil, malformed("retainBefore must be an integer")
		}
		op, err := decodeEditOp(top[1])
		if err != nil {
			return nil, err
		}
		after := 0
		if len(top) == 3 {
			if after, ok = decodeInt(top[2]); !ok {
				return nil, malformed("retainAfter must be an integer")
			}
		}
		return Edit{RetainBefore: before, Op: op, RetainAfter: after}, nil
	default:
		return nil, malformed("unexpected length %d", len(top))
	}
}

func decodeEditOp(raw json.RawMessage) (EditOp, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return nil, malformed("edit operation must be [0, text] or [1]")
	}
	code, ok := decodeInt(parts[0])
	if !ok {
		return nil, malformed("edit operation code must be an integer")
	}
	switch {
	case code == 0 && len(parts) == 2:
		text, ok := decodeString(parts[1])
		if !ok {
			return nil, malformed("inserted content must be a string")
		}
		return InsertText{Text: text}, nil
	case code == 1 && len(parts) == 1:
		return DeleteOne{}, nil
	default:
		return nil, malformed("unknown edit operation %d/%d", code, len(parts))
	}
}

func decodeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
