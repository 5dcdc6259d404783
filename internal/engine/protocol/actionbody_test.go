package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/action"
)

func TestDecodeActionBodyMissingName(t *testing.T) {
	_, err := decodeActionBody(`{"parameters": {}}`)
	assert.Error(t, err)
}

func TestDecodeActionBodyMalformedJSON(t *testing.T) {
	_, err := decodeActionBody(`not json`)
	assert.Error(t, err)
}

func TestDecodeActionBodyFullShape(t *testing.T) {
	b, err := decodeActionBody(`{
		"name": "search",
		"parameters": {"q": "hector"},
		"output_key": "result",
		"depends_on": ["a0"],
		"timeout": 2.5,
		"retry": 2,
		"on_error": "continue"
	}`)
	require.NoError(t, err)
	assert.Equal(t, "search", b.Name)
	assert.Equal(t, "hector", b.Parameters["q"])
	assert.Equal(t, "result", b.OutputKey)
	assert.Equal(t, []string{"a0"}, b.DependsOn)
	assert.Equal(t, 2.5, b.Timeout)
	assert.Equal(t, 2, b.Retry)
	assert.Equal(t, "continue", b.OnError)
}

func TestActionBodyToDescriptorDefaults(t *testing.T) {
	b, err := decodeActionBody(`{"name": "noop"}`)
	require.NoError(t, err)

	desc := b.toDescriptor("a1", action.KindTool, action.ModeSync, action.OriginTopLevel, 1)
	assert.Equal(t, "a1", desc.ID)
	assert.Equal(t, action.OnErrorCancel, desc.OnError, "default on_error is cancel")
	assert.Equal(t, time.Duration(0), desc.Timeout)
}

func TestActionBodyToDescriptorExplicitContinue(t *testing.T) {
	b, err := decodeActionBody(`{"name": "noop", "on_error": "continue", "timeout": 1.5}`)
	require.NoError(t, err)

	desc := b.toDescriptor("a1", action.KindTool, action.ModeSync, action.OriginTopLevel, 1)
	assert.Equal(t, action.OnErrorContinue, desc.OnError)
	assert.Equal(t, 1500*time.Millisecond, desc.Timeout)
}
