package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticPorts []uint16

func (s staticPorts) ActivePorts() []uint16 { return s }

func TestContinueAllNeverBlocks(t *testing.T) {
	d := NewDynamicPortPriority(PriorityConfig{
		ContinueAll: true,
		Priority:    map[uint16]string{22: "high"},
		PriorityDef: map[string]int{"high": 3},
	}, staticPorts{22})

	for i := 0; i < 5; i++ {
		assert.False(t, d.BlockShuffling())
	}
	assert.True(t, d.AllowContinue(1234))
}

func TestWeightBoundsConsecutiveBlocks(t *testing.T) {
	d := NewDynamicPortPriority(PriorityConfig{
		Priority:    map[uint16]string{22: "High", 80: "low"},
		PriorityDef: map[string]int{"high": 3, "low": 1},
	}, staticPorts{80, 22, 9999})

	for want := 1; want <= 3; want++ {
		assert.True(t, d.BlockShuffling())
		assert.Equal(t, want, d.BlockedCount())
	}
	assert.False(t, d.BlockShuffling())
	assert.Equal(t, 0, d.BlockedCount())
	assert.True(t, d.BlockShuffling())
}

func TestNoKnownPortsNeverBlocks(t *testing.T) {
	d := NewDynamicPortPriority(PriorityConfig{
		Priority: map[uint16]string{22: "undefined"},
	}, staticPorts{22, 443})
	assert.False(t, d.BlockShuffling())
	assert.Equal(t, 0, d.BlockedCount())
}

func TestAllowContinue(t *testing.T) {
	d := NewDynamicPortPriority(PriorityConfig{Continue: []uint16{22, 443}}, staticPorts{})
	assert.True(t, d.AllowContinue(22))
	assert.True(t, d.AllowContinue(443))
	assert.False(t, d.AllowContinue(80))

	var none *DynamicPortPriority
	assert.True(t, none.AllowContinue(80))
	assert.False(t, none.BlockShuffling())
}
