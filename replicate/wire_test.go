package replicate

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

func TestAuthFrameWire(t *testing.T) {
	registry := tags.NewRegistry()

	frameBytes := EncodeAuthFrame(&AuthFrame{
		ByJwt:      "header.payload.signature",
		AppVersion: "1.2.3",
	})
	frame, err := DecodeFrame(frameBytes, registry)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, frame.Auth)
	assert.Equal(t, "header.payload.signature", frame.Auth.ByJwt)
	assert.Equal(t, "1.2.3", frame.Auth.AppVersion)
	if frame.Delta != nil {
		t.Fatal("auth frame decoded a delta")
	}
}

func TestDeltaFrameWire(t *testing.T) {
	sendRegistry := tags.NewRegistry()
	fire := sendRegistry.MustRegister("Status.Fire")
	ice := sendRegistry.MustRegister("Status.Ice")

	delta := &tagstack.Delta{
		ArrayReplicationKey: 9,
		Removed:             []uint32{3, 8},
		Added: []tagstack.DeltaAdd{
			{Id: 1, Tag: fire, Count: 5},
			{Id: 2, Tag: ice, Count: 1},
		},
		Changed: []tagstack.DeltaChange{
			{Id: 4, Count: 7},
		},
	}

	// the receiver starts with an empty registry and interns the tag
	// names from the wire
	receiveRegistry := tags.NewRegistry()
	frame, err := DecodeFrame(EncodeDeltaFrame(delta), receiveRegistry)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, frame.Delta)

	decoded := frame.Delta
	assert.Equal(t, uint32(9), decoded.ArrayReplicationKey)
	assert.Equal(t, []uint32{3, 8}, decoded.Removed)
	assert.Equal(t, 2, len(decoded.Added))
	assert.Equal(t, uint32(1), decoded.Added[0].Id)
	assert.Equal(t, "Status.Fire", decoded.Added[0].Tag.String())
	assert.Equal(t, 5, decoded.Added[0].Count)
	assert.Equal(t, "Status.Ice", decoded.Added[1].Tag.String())
	assert.Equal(t, []tagstack.DeltaChange{{Id: 4, Count: 7}}, decoded.Changed)

	// interned with implicit ancestors
	_, err = receiveRegistry.Parse("Status")
	assert.Equal(t, nil, err)
}

func TestEmptyDeltaFrameWire(t *testing.T) {
	registry := tags.NewRegistry()

	frame, err := DecodeFrame(EncodeDeltaFrame(&tagstack.Delta{ArrayReplicationKey: 1}), registry)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, frame.Delta)
	assert.Equal(t, true, frame.Delta.IsEmpty())
}

func TestDecodeFrameErrors(t *testing.T) {
	registry := tags.NewRegistry()

	_, err := DecodeFrame([]byte{}, registry)
	assert.NotEqual(t, nil, err)

	_, err = DecodeFrame([]byte{0xff, 0xff, 0xff}, registry)
	assert.NotEqual(t, nil, err)
}
