package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRoundTrip(t *testing.T) {
	b, err := EncodeSubmit(Submit{Message: "hello", ThreadID: "t-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hello","thread_id":"t-1"}`, string(b))

	s, err := DecodeSubmit(b)
	require.NoError(t, err)
	assert.Equal(t, "hello", s.Message)
	assert.Equal(t, "t-1", s.ThreadID)
}

func TestDecodeEventVariants(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"token","content":"Hi"}`))
	require.NoError(t, err)
	require.IsType(t, Token{}, ev)
	assert.Equal(t, "Hi", ev.(Token).Content)

	ev, err = DecodeEvent([]byte(`{"type":"tool_start","name":"search","call_id":"t1"}`))
	require.NoError(t, err)
	require.IsType(t, ToolStart{}, ev)
	assert.Equal(t, "search", ev.(ToolStart).Name)
	assert.Equal(t, "t1", ev.(ToolStart).CallID)

	ev, err = DecodeEvent([]byte(`{"type":"tool_end","call_id":"t1","output":"3 results"}`))
	require.NoError(t, err)
	require.IsType(t, ToolEnd{}, ev)
	assert.Equal(t, "3 results", ev.(ToolEnd).Output)

	ev, err = DecodeEvent([]byte(`{"type":"end"}`))
	require.NoError(t, err)
	assert.IsType(t, End{}, ev)

	ev, err = DecodeEvent([]byte(`{"type":"error","content":"rate limited"}`))
	require.NoError(t, err)
	require.IsType(t, Error{}, ev)
	assert.Equal(t, "rate limited", ev.(Error).Content)
}

func TestDecodeEventToleratesEmptyToolEndOutput(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"tool_end","call_id":"t1","output":""}`))
	require.NoError(t, err)
	assert.Equal(t, "", ev.(ToolEnd).Output)
}

func TestDecodeEventUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"shrug","content":"?"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeEventMalformedJSON(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestEncodeEventIncludesDiscriminator(t *testing.T) {
	b, err := EncodeEvent(ToolEnd{CallID: "t1", Output: ""})
	require.NoError(t, err)
	// output must be present even when empty: its presence is the completion signal
	assert.JSONEq(t, `{"type":"tool_end","call_id":"t1","output":""}`, string(b))

	b, err = EncodeEvent(End{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end"}`, string(b))
}
