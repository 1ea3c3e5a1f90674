package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeepsSnapshot(t *testing.T) {
	evt := New(TypeTaskCompleted, "abc")
	evt.Status = "completed"
	evt.Task = []byte(`{"id":"abc","status":"completed"}`)

	data, err := Encode(evt)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.Type, decoded.Type)
	assert.JSONEq(t, string(evt.Task), string(decoded.Task))
	assert.True(t, evt.Timestamp.Equal(decoded.Timestamp))
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"task_id":"x"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	got, err := ParseType(" agent:message ")
	require.NoError(t, err)
	assert.Equal(t, TypeAgentMessage, got)

	_, err = ParseType("task:deleted")
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	evt := New(TypeTaskFailed, "t-9")
	assert.True(t, Filter{}.Match(evt))
	assert.True(t, Filter{TaskID: "t-9"}.Match(evt))
	assert.False(t, Filter{TaskID: "t-1"}.Match(evt))
	assert.True(t, Filter{Types: []Type{TypeTaskCompleted, TypeTaskFailed}}.Match(evt))
	assert.False(t, Filter{Types: []Type{TypeTaskCreated}}.Match(evt))
}
