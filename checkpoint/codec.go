package checkpoint

import (
	"fmt"
	"time"

	"github.com/smallnest/checkpointgo/serde"
)

// Record-level codecs shared by all backends. The checkpoint payload stores
// the snapshot's structure (id, timestamp, channel versions); channel values
// live in their own content-addressed records and are folded back in by the
// read path.

// EncodeCheckpoint encodes a checkpoint's structural payload.
func EncodeCheckpoint(s serde.Serializer, cp *Checkpoint) (serde.EncodedValue, error) {
	versions := make(map[string]any, len(cp.ChannelVersions))
	for ch, v := range cp.ChannelVersions {
		versions[ch] = v
	}
	payload := map[string]any{
		"id":               cp.ID,
		"ts":               cp.Timestamp.UTC().Format(time.RFC3339Nano),
		"channel_versions": versions,
	}
	ev, err := serde.Encode(s, payload)
	if err != nil {
		return serde.EncodedValue{}, &SerializationError{Op: "checkpoint payload", Err: err}
	}
	return ev, nil
}

// DecodeCheckpoint reverses EncodeCheckpoint. ChannelValues are left empty;
// the read path fills them from the channel-state records.
func DecodeCheckpoint(s serde.Serializer, ev serde.EncodedValue) (*Checkpoint, error) {
	v, err := serde.Decode(s, ev)
	if err != nil {
		return nil, &SerializationError{Op: "checkpoint payload", Err: err}
	}
	payload, ok := v.(map[string]any)
	if !ok {
		return nil, &SerializationError{Op: "checkpoint payload",
			Err: fmt.Errorf("expected object, got %T", v)}
	}

	cp := &Checkpoint{
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(map[string]string),
	}
	if id, ok := payload["id"].(string); ok {
		cp.ID = id
	}
	if ts, ok := payload["ts"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &SerializationError{Op: "checkpoint payload", Err: err}
		}
		cp.Timestamp = parsed
	}
	if versions, ok := payload["channel_versions"].(map[string]any); ok {
		for ch, raw := range versions {
			if version, ok := raw.(string); ok {
				cp.ChannelVersions[ch] = version
			}
		}
	}
	return cp, nil
}

// EncodeMetadata encodes caller metadata; nil metadata stores as an empty
// object so scans never deal with NULL.
func EncodeMetadata(s serde.Serializer, md Metadata) (serde.EncodedValue, error) {
	if md == nil {
		md = Metadata{}
	}
	ev, err := serde.Encode(s, map[string]any(md))
	if err != nil {
		return serde.EncodedValue{}, &SerializationError{Op: "checkpoint metadata", Err: err}
	}
	return ev, nil
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(s serde.Serializer, ev serde.EncodedValue) (Metadata, error) {
	if ev.Payload == "" {
		return Metadata{}, nil
	}
	v, err := serde.Decode(s, ev)
	if err != nil {
		return nil, &SerializationError{Op: "checkpoint metadata", Err: err}
	}
	md, ok := v.(map[string]any)
	if !ok {
		return nil, &SerializationError{Op: "checkpoint metadata",
			Err: fmt.Errorf("expected object, got %T", v)}
	}
	return md, nil
}

// EncodeValue encodes one channel or pending-write value.
func EncodeValue(s serde.Serializer, channel string, v any) (serde.EncodedValue, error) {
	ev, err := serde.Encode(s, v)
	if err != nil {
		return serde.EncodedValue{}, &SerializationError{
			Op: fmt.Sprintf("channel %q value", channel), Err: err}
	}
	return ev, nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(s serde.Serializer, channel string, ev serde.EncodedValue) (any, error) {
	v, err := serde.Decode(s, ev)
	if err != nil {
		return nil, &SerializationError{
			Op: fmt.Sprintf("channel %q value", channel), Err: err}
	}
	return v, nil
}
