package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/core/changes"
)

func TestDecodeClient(t *testing.T) {
	tests := []struct {
		raw  string
		want ClientMessage
	}{
		{`{"type":"joinDoc","doc":"a","user_id":"u1"}`, JoinDoc{Doc: "a", UserID: "u1"}},
		{`{"type":"leaveDoc","doc":"a"}`, LeaveDoc{Doc: "a"}},
		{`{"type":"resync-request","doc":"notes/b"}`, ResyncRequest{Doc: "notes/b"}},
		{
			`{"type":"updates","doc":"a","version":0,"updates":[{"clientID":"c1","changes":[[0,"hi"]]}]}`,
			Updates{Doc: "a", Version: 0, Ops: []changes.Operation{
				{ClientID: "c1", Changes: changes.Insert{Pos: 0, Text: "hi"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.want.Type(), func(t *testing.T) {
			got, err := DecodeClient([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{`, ErrInvalidMessage},
		{"no type", `{"doc":"a"}`, ErrInvalidMessage},
		{"unknown type", `{"type":"cursor","doc":"a"}`, ErrUnknownType},
		{"no doc", `{"type":"joinDoc"}`, ErrMissingDocument},
		{"no version", `{"type":"updates","doc":"a","updates":[{"clientID":"c","changes":[[1]]}]}`, ErrInvalidMessage},
		{"empty updates", `{"type":"updates","doc":"a","version":1,"updates":[]}`, ErrInvalidMessage},
		{"bad change", `{"type":"updates","doc":"a","version":1,"updates":[{"clientID":"c","changes":[1,[7]]}]}`, changes.ErrMalformedChange},
		{"missing client", `{"type":"updates","doc":"a","version":1,"updates":[{"changes":[[1]]}]}`, changes.ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClient([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var perr *ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestClientMessagesRoundTrip(t *testing.T) {
	msgs := []ClientMessage{
		JoinDoc{Doc: "a", UserID: "u"},
		LeaveDoc{Doc: "a"},
		ResyncRequest{Doc: "a", UserID: "u"},
		Updates{Doc: "a", Version: 3, UserID: "u", Ops: []changes.Operation{
			{ClientID: "c", Changes: changes.Edit{RetainBefore: 2, Op: changes.DeleteOne{}}},
		}},
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		require.NoError(t, err)
		back, err := DecodeClient(data)
		require.NoError(t, err)
		assert.Equal(t, msg, back)
	}
}

func TestInitEncoding(t *testing.T) {
	single, err := Encode(Init{Doc: "a", Mode: ModeSingle, Text: "", Version: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init","doc":"a","clientID":"system","mode":"single","text":""}`, string(single))

	collab, err := Encode(Init{Doc: "a", Mode: ModeCollaborative, Updates: []changes.Operation{changes.FullText("x")}, Version: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init","doc":"a","clientID":"system","mode":"collaborative",
		"updates":[{"clientID":"system","changes":[[0,"x"]]}],"version":1}`, string(collab))

	empty, err := Encode(Init{Doc: "a", Mode: ModeCollaborative})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init","doc":"a","clientID":"system","mode":"collaborative","updates":[],"version":0}`, string(empty))
}

func TestBroadcastEncoding(t *testing.T) {
	ops := []changes.Operation{{ClientID: "c", Changes: changes.Edit{RetainBefore: 1, Op: changes.InsertText{Text: "x"}}}}
	data, err := Encode(Broadcast{Doc: "a", Updates: ops, Version: 7, User: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"updates","doc":"a","updates":[{"clientID":"c","changes":[1,[0,"x"],0]}],"version":7,"user":"u1"}`, string(data))

	msg, err := DecodeServer(data)
	require.NoError(t, err)
	assert.Equal(t, Broadcast{Doc: "a", Updates: ops, Version: 7, User: "u1"}, msg)
}

func TestDecodeServerInit(t *testing.T) {
	msg, err := DecodeServer([]byte(`{"type":"init","doc":"a","clientID":"system","mode":"single","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, Init{Doc: "a", Mode: ModeSingle, Text: "hello"}, msg)

	_, err = DecodeServer([]byte(`{"type":"joinDoc"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
