package bridge

import (
	"testing"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedIntervalFiresEveryThreshold(t *testing.T) {
	p, err := NewFixedInterval(4)
	require.NoError(t, err)

	var fired []int
	for tick := 1; tick <= 12; tick++ {
		if p.Evaluate(PolicyInput{Dt: 1}) {
			fired = append(fired, tick)
		}
	}
	assert.Equal(t, []int{4, 8, 12}, fired)

	p.Evaluate(PolicyInput{Dt: 1})
	p.Reset()
	assert.Zero(t, p.Elapsed())
}

func TestFixedIntervalRejectsNonPositive(t *testing.T) {
	_, err := NewFixedInterval(0)
	assert.Error(t, err)
}

func TestReadyToReceiveLatch(t *testing.T) {
	tag := types.TagDefinition{LogicalName: "ready", DataType: types.DataTypeBoolean, Direction: types.DirectionRead}
	p, err := NewReadyToReceive(tag)
	require.NoError(t, err)

	input := func(ready bool) PolicyInput {
		return PolicyInput{Values: map[string]types.Value{"ready": types.BoolValue(ready)}}
	}

	assert.True(t, p.Evaluate(input(true)))
	assert.False(t, p.Evaluate(input(true)))
	assert.False(t, p.Evaluate(PolicyInput{}))
	assert.True(t, p.Spawning())
	assert.False(t, p.Evaluate(input(false)))
	assert.True(t, p.Evaluate(input(true)))

	p.Reset()
	assert.False(t, p.Spawning())

	_, err = NewReadyToReceive(types.TagDefinition{LogicalName: "x", DataType: types.DataTypeByte, Direction: types.DirectionRead})
	assert.Error(t, err)
}

func TestDetectEdge(t *testing.T) {
	assert.Equal(t, RisingEdge, DetectEdge(false, true))
	assert.Equal(t, FallingEdge, DetectEdge(true, false))
	assert.Equal(t, Steady, DetectEdge(true, true))
	assert.Equal(t, Steady, DetectEdge(false, false))
	assert.Equal(t, "rising", RisingEdge.String())
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateDisconnected, StateConnecting))
	assert.NoError(t, ValidateTransition(StateError, StateConnecting))
	assert.NoError(t, ValidateTransition(StateActive, StateError))
	assert.Error(t, ValidateTransition(StateDisconnected, StateActive))
	assert.Error(t, ValidateTransition(StateError, StateActive))
	assert.Equal(t, "ERROR", StateError.String())
}
