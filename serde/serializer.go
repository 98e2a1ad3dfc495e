package serde

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Serializer converts arbitrary application values to and from tagged bytes.
// It handles the values the JSON fast path cannot: application structs,
// binary payloads, anything with a custom wire form. Implementations must
// round-trip: LoadTyped(DumpTyped(v)) yields a value equivalent to v.
type Serializer interface {
	// DumpTyped encodes a value, returning a type tag that LoadTyped can
	// use to reconstruct it.
	DumpTyped(v any) (typeTag string, data []byte, err error)

	// LoadTyped reconstructs a value from its tag and bytes.
	LoadTyped(typeTag string, data []byte) (any, error)
}

// Value type tags as stored in the backing store's type column.
const (
	// TypeJSON marks a value stored as plain JSON, inspectable in the store.
	TypeJSON = "json"

	// TypeOpaque marks a value stored as a serializer envelope.
	TypeOpaque = "opaque"
)

// EncodedValue is the tagged storable form of a value: either plain JSON or
// a serializer envelope, always a single string so it fits one store field.
type EncodedValue struct {
	Type    string
	Payload string
}

// envelope is the payload shape of an opaque value. The marker key names
// also distinguish legacy rows whose type column predates TypeOpaque.
type envelope struct {
	Tag   string `json:"__opaque__"`
	Bytes string `json:"__bytes__"`
}

// Encode converts a value into its storable form. JSON-safe values take the
// direct path and stay human-inspectable in the store; everything else goes
// through the serializer and is wrapped hex-encoded so it still fits a
// string-typed field.
func Encode(s Serializer, v any) (EncodedValue, error) {
	if jsonSafe(v) {
		data, err := json.Marshal(v)
		if err != nil {
			return EncodedValue{}, err
		}
		return EncodedValue{Type: TypeJSON, Payload: string(data)}, nil
	}

	tag, data, err := s.DumpTyped(v)
	if err != nil {
		return EncodedValue{}, err
	}
	payload, err := json.Marshal(envelope{Tag: tag, Bytes: hex.EncodeToString(data)})
	if err != nil {
		return EncodedValue{}, err
	}
	return EncodedValue{Type: TypeOpaque, Payload: string(payload)}, nil
}

// Decode reverses Encode. Rows with an empty type predate the type column;
// for those, the envelope marker keys decide the path. Rows explicitly typed
// TypeJSON are always plain JSON, even when the payload happens to carry the
// marker keys.
func Decode(s Serializer, ev EncodedValue) (any, error) {
	switch ev.Type {
	case TypeOpaque:
		env, ok := probeEnvelope(ev.Payload)
		if !ok {
			return nil, fmt.Errorf("malformed opaque payload: %.64q", ev.Payload)
		}
		return openEnvelope(s, env)
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(ev.Payload), &v); err != nil {
			return nil, err
		}
		return v, nil
	case "":
		if env, ok := probeEnvelope(ev.Payload); ok {
			return openEnvelope(s, env)
		}
		var v any
		if err := json.Unmarshal([]byte(ev.Payload), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", ev.Type)
	}
}

// probeEnvelope reports whether payload is an opaque envelope: a JSON object
// carrying both marker keys with string values.
func probeEnvelope(payload string) (envelope, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return envelope{}, false
	}
	if _, ok := raw["__opaque__"]; !ok {
		return envelope{}, false
	}
	if _, ok := raw["__bytes__"]; !ok {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

func openEnvelope(s Serializer, env envelope) (any, error) {
	data, err := hex.DecodeString(env.Bytes)
	if err != nil {
		return nil, fmt.Errorf("malformed opaque payload: %w", err)
	}
	return s.LoadTyped(env.Tag, data)
}

// jsonSafe reports whether v is representable as plain JSON without type
// information: nil, booleans, numbers, strings, and sequences/maps of safe
// values with string keys. Structs are not safe even when marshalable —
// round-tripping them through plain JSON would lose their Go type.
func jsonSafe(v any) bool {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	case []any:
		for _, e := range val {
			if !jsonSafe(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range val {
			if !jsonSafe(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
