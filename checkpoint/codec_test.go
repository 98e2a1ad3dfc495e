package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/serde"
)

func TestCheckpointPayloadRoundTrip(t *testing.T) {
	reg := serde.NewTypeRegistry()

	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	cp := &Checkpoint{
		ID:        "cp-1",
		Timestamp: ts,
		ChannelValues: map[string]any{
			"msgs": []any{"a"}, // not part of the payload
		},
		ChannelVersions: map[string]string{"msgs": "v3", "counter": "v1"},
	}

	ev, err := EncodeCheckpoint(reg, cp)
	require.NoError(t, err)
	assert.Equal(t, serde.TypeJSON, ev.Type)

	got, err := DecodeCheckpoint(reg, ev)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ID)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, cp.ChannelVersions, got.ChannelVersions)
	// Values are stored separately and never travel with the payload.
	assert.Empty(t, got.ChannelValues)
}

func TestMetadataRoundTrip(t *testing.T) {
	reg := serde.NewTypeRegistry()

	ev, err := EncodeMetadata(reg, Metadata{"source": "loop", "step": float64(4)})
	require.NoError(t, err)
	got, err := DecodeMetadata(reg, ev)
	require.NoError(t, err)
	assert.Equal(t, Metadata{"source": "loop", "step": float64(4)}, got)

	// Nil metadata stores as an empty object, never NULL.
	ev, err = EncodeMetadata(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", ev.Payload)
	got, err = DecodeMetadata(reg, ev)
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, got)
}

func TestDecodeCheckpointMalformed(t *testing.T) {
	reg := serde.NewTypeRegistry()

	_, err := DecodeCheckpoint(reg, serde.EncodedValue{Type: serde.TypeJSON, Payload: `[1,2]`})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)

	_, err = DecodeCheckpoint(reg, serde.EncodedValue{Type: serde.TypeJSON, Payload: `{broken`})
	require.ErrorAs(t, err, &serr)
}

func TestNewCheckpointIDSortable(t *testing.T) {
	a := NewCheckpointID()
	b := NewCheckpointID()
	c := NewCheckpointID()
	assert.NotEqual(t, a, b)
	// UUIDv7 ids generated in sequence sort in creation order.
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}
