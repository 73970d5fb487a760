//go:build linux

package forward

import (
	"testing"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHook(t *testing.T) {
	var delivered []uint32
	var accepted []uint32
	deliver := func(id uint32, payload []byte) {
		delivered = append(delivered, id)
	}
	accept := func(id uint32) error {
		accepted = append(accepted, id)
		return nil
	}
	hook := packetHook(deliver, accept, log)

	id := uint32(7)
	payload := []byte{0x45, 0x00}
	assert.Equal(t, 0, hook(nfqueue.Attribute{PacketID: &id, Payload: &payload}))
	assert.Equal(t, []uint32{7}, delivered)
	assert.Empty(t, accepted)

	empty := uint32(8)
	assert.Equal(t, 0, hook(nfqueue.Attribute{PacketID: &empty}))
	assert.Equal(t, []uint32{7}, delivered)
	assert.Equal(t, []uint32{8}, accepted)

	assert.Equal(t, 0, hook(nfqueue.Attribute{Payload: &payload}))
	assert.Len(t, delivered, 1)
	assert.Len(t, accepted, 1)
}

func TestPacketHookCopiesPayload(t *testing.T) {
	var got []byte
	hook := packetHook(func(_ uint32, p []byte) { got = p }, nil, log)

	id := uint32(1)
	payload := []byte{1, 2, 3}
	hook(nfqueue.Attribute{PacketID: &id, Payload: &payload})
	payload[0] = 9
	require.NotNil(t, got)
	assert.Equal(t, byte(1), got[0])
}

func TestPacketHookAcceptFailure(t *testing.T) {
	hook := packetHook(nil, func(uint32) error { return errors.New("socket closed") }, log)
	id := uint32(3)
	assert.Equal(t, 0, hook(nfqueue.Attribute{PacketID: &id}))
}
