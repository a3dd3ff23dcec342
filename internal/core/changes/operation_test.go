package changes

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpecShapes(t *testing.T) {
	tests := []struct {
		raw  string
		want Spec
	}{
		{`[[0,"hello"]]`, Insert{Pos: 0, Text: "hello"}},
		{`[[3]]`, Retain{Count: 3}},
		{`[3]`, Retain{Count: 3}},
		{`[4,[0,"e"]]`, Edit{RetainBefore: 4, Op: InsertText{Text: "e"}}},
		{`[4,[1]]`, Edit{RetainBefore: 4, Op: DeleteOne{}}},
		{`[0,[1],4]`, Edit{RetainBefore: 0, Op: DeleteOne{}, RetainAfter: 4}},
		{`[6, [0, "!"], 0]`, Edit{RetainBefore: 6, Op: InsertText{Text: "!"}}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := DecodeSpec(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSpecRejectsUnknownShapes(t *testing.T) {
	bad := []string{
		`[]`,
		`{}`,
		`"text"`,
		`[[0,"a"],[1,"b"],[2,"c"],[3,"d"]]`,
		`[["0","a"]]`,
		`[[0,1]]`,
		`[[1,2,3]]`,
		`[1.5]`,
		`[4,[2]]`,
		`[4,[0]]`,
		`[4,[1,"x"]]`,
		`[4,"x"]`,
		`["4",[1]]`,
		`[4,[1],"0"]`,
		`[true]`,
	}

	for _, raw := range bad {
		t.Run(raw, func(t *testing.T) {
			_, err := DecodeSpec(json.RawMessage(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.ErrorIs(t, err, ErrMalformedChange)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestOperationUnmarshal(t *testing.T) {
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`{"clientID":"c1","changes":[[0,"hi"]]}`), &op))
	assert.Equal(t, "c1", op.ClientID)
	assert.Equal(t, Insert{Pos: 0, Text: "hi"}, op.Changes)
}

func TestOperationUnmarshalMissingFields(t *testing.T) {
	cases := map[string]string{
		"no changes":   `{"clientID":"c1"}`,
		"null changes": `{"clientID":"c1","changes":null}`,
		"no client":    `{"changes":[[0,"x"]]}`,
		"empty client": `{"clientID":"","changes":[[0,"x"]]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var op Operation
			err := json.Unmarshal([]byte(raw), &op)
			assert.ErrorIs(t, err, ErrValidation)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestOperationMarshalCanonical(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{FullText("abc"), `{"changes":[[0,"abc"]],"clientID":"system"}`},
		{Operation{ClientID: "c", Changes: Retain{Count: 2}}, `{"changes":[[2]],"clientID":"c"}`},
		{Operation{ClientID: "c", Changes: Edit{RetainBefore: 1, Op: DeleteOne{}, RetainAfter: 3}}, `{"changes":[1,[1],3],"clientID":"c"}`},
		{Operation{ClientID: "c", Changes: Edit{RetainBefore: 1, Op: InsertText{Text: "x"}}}, `{"changes":[1,[0,"x"],0],"clientID":"c"}`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.op)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(data))

		var back Operation
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, tt.op, back)
	}
}

func TestOperationValidate(t *testing.T) {
	assert.NoError(t, FullText("x").Validate())
	assert.ErrorIs(t, Operation{ClientID: "c"}.Validate(), ErrMissingField)
	assert.ErrorIs(t, Operation{Changes: Retain{}}.Validate(), ErrMissingField)
	assert.ErrorIs(t, Operation{ClientID: "c", Changes: Edit{}}.Validate(), ErrMalformedChange)

	_, err := json.Marshal(Operation{ClientID: "c"})
	assert.Error(t, err)
}
