package serde

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeJSONFastPath(t *testing.T) {
	reg := NewTypeRegistry()

	cases := []any{
		nil,
		true,
		"hello",
		float64(42),
		[]any{float64(1), "two", nil},
		map[string]any{"k": "v", "n": float64(3)},
	}

	for _, v := range cases {
		ev, err := Encode(reg, v)
		require.NoError(t, err)
		assert.Equal(t, TypeJSON, ev.Type)

		got, err := Decode(reg, ev)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

type fixtureState struct {
	Step    int      `json:"step"`
	Visited []string `json:"visited"`
}

func TestEncodeOpaquePath(t *testing.T) {
	reg := NewTypeRegistry()
	require.NoError(t, reg.Register(fixtureState{}, "fixtureState"))

	ev, err := Encode(reg, fixtureState{Step: 3, Visited: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, TypeOpaque, ev.Type)

	// The stored payload is a JSON envelope, not the raw value.
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Payload), &raw))
	assert.Contains(t, raw, "__opaque__")
	assert.Contains(t, raw, "__bytes__")

	got, err := Decode(reg, ev)
	require.NoError(t, err)
	assert.Equal(t, fixtureState{Step: 3, Visited: []string{"a", "b"}}, got)
}

func TestDecodeLegacyUntypedEnvelope(t *testing.T) {
	reg := NewTypeRegistry()
	require.NoError(t, reg.Register(fixtureState{}, "fixtureState"))

	ev, err := Encode(reg, fixtureState{Step: 1})
	require.NoError(t, err)

	// Rows written before the type column existed carry an empty type;
	// the marker keys identify the envelope.
	got, err := Decode(reg, EncodedValue{Type: "", Payload: ev.Payload})
	require.NoError(t, err)
	assert.Equal(t, fixtureState{Step: 1}, got)
}

func TestMarkerKeyCollisionRoundTrip(t *testing.T) {
	reg := NewTypeRegistry()

	// A user map that spells out the marker keys is plain data: it encodes
	// under the JSON type and must come back unchanged, not be mistaken for
	// an envelope.
	v := map[string]any{"__opaque__": "note", "__bytes__": "zz"}
	ev, err := Encode(reg, v)
	require.NoError(t, err)
	assert.Equal(t, TypeJSON, ev.Type)

	got, err := Decode(reg, ev)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDecodeMarkerKeysNonString(t *testing.T) {
	reg := NewTypeRegistry()

	// A user map that happens to carry the marker keys with non-string
	// values is not an envelope and decodes as plain JSON.
	payload := `{"__opaque__": 1, "__bytes__": true}`
	got, err := Decode(reg, EncodedValue{Type: TypeJSON, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"__opaque__": float64(1), "__bytes__": true}, got)
}

func TestDecodeMalformed(t *testing.T) {
	reg := NewTypeRegistry()

	_, err := Decode(reg, EncodedValue{Type: TypeOpaque, Payload: `{"not": "an envelope"}`})
	assert.Error(t, err)

	_, err = Decode(reg, EncodedValue{Type: "parquet", Payload: "{}"})
	assert.Error(t, err)
}

func TestJSONSafe(t *testing.T) {
	assert.True(t, jsonSafe(nil))
	assert.True(t, jsonSafe("s"))
	assert.True(t, jsonSafe(map[string]any{"a": []any{float64(1)}}))

	assert.False(t, jsonSafe(fixtureState{}))
	assert.False(t, jsonSafe([]any{fixtureState{}}))
	assert.False(t, jsonSafe(map[string]any{"k": fixtureState{}}))
}
