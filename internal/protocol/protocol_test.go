package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ParsesEventAndPayload(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"browserready","data":{"name":"agent-1","round":7}}`))
	require.NoError(t, err)

	assert.Equal(t, EventBrowserReady, msg.Event)
	assert.Equal(t, "agent-1", msg.Text())

	round, ok := msg.Round()
	assert.True(t, ok)
	assert.Equal(t, int64(7), round)
}

func TestDecode_StringPayload(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"initialization","data":"agent-2"}`))
	require.NoError(t, err)
	assert.Equal(t, "agent-2", msg.Text())

	_, ok := msg.Round()
	assert.False(t, ok)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"invalid json", `{"event":`},
		{"missing event", `{"data":1}`},
		{"numeric event", `{"event":3}`},
		{"empty event", `{"event":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestEncodeDecode_URLPayload(t *testing.T) {
	msg := MustNew(EventURL, URLPayload{Target: TargetCalibration, Index: 2, Round: 11, Total: 10})

	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	var payload URLPayload
	require.NoError(t, decoded.Unmarshal(&payload))
	assert.Equal(t, TargetCalibration, payload.Target)
	assert.Equal(t, 2, payload.Index)
	assert.Equal(t, int64(11), payload.Round)
}

func TestMessage_Int(t *testing.T) {
	msg := MustNew(EventWaitingTime, 220)
	assert.Equal(t, int64(220), msg.Int())
}

func TestNew_NilPayload(t *testing.T) {
	msg, err := New(EventPing, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Data)

	err = msg.Unmarshal(&struct{}{})
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
