package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	got, err := EncodeEvent(0, "authorize", map[string]string{"token": "abc"})
	require.NoError(t, err)
	assert.Equal(t, `420["authorize",{"token":"abc"}]`, string(got))

	got, err = EncodeEvent(-1, "ping-me", nil)
	require.NoError(t, err)
	assert.Equal(t, `42["ping-me",null]`, string(got))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		in        string
		kind      FrameKind
		ackID     int
		event     string
		payload   string
		expectErr bool
	}{
		{in: `0{"sid":"x","pingInterval":25000}`, kind: FrameOpen, ackID: -1, payload: `{"sid":"x","pingInterval":25000}`},
		{in: "1", kind: FrameClose, ackID: -1},
		{in: "2", kind: FramePing, ackID: -1},
		{in: "3probe", kind: FramePong, ackID: -1},
		{in: "6", kind: FrameNoop, ackID: -1},
		{in: "40", kind: FrameConnect, ackID: -1},
		{in: "41", kind: FrameDisconnect, ackID: -1},
		{in: `42["registration-status",{"ok":true}]`, kind: FrameEvent, ackID: -1, event: "registration-status", payload: `["registration-status",{"ok":true}]`},
		{in: `4212["x",1]`, kind: FrameEvent, ackID: 12, event: "x", payload: `["x",1]`},
		{in: `431[{"authorized":true}]`, kind: FrameAck, ackID: 1, payload: `[{"authorized":true}]`},
		{in: `44{"message":"Not authorized"}`, kind: FrameError, ackID: -1, payload: `{"message":"Not authorized"}`},
		{in: `42/scheduler,7["e",{}]`, kind: FrameEvent, ackID: 7, event: "e", payload: `["e",{}]`},
		{in: "", expectErr: true},
		{in: "9", expectErr: true},
		{in: "4", expectErr: true},
		{in: "45", expectErr: true},
		{in: `42{"not":"an array"}`, expectErr: true},
		{in: `42[]`, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.in))
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.ackID, f.AckID)
			assert.Equal(t, tt.event, f.Event)
			if tt.payload != "" {
				assert.Equal(t, tt.payload, string(f.Payload))
			}
		})
	}
}

func TestFrameCarries(t *testing.T) {
	assert.True(t, Frame{Kind: FrameAck}.Carries())
	assert.True(t, Frame{Kind: FrameEvent}.Carries())
	assert.True(t, Frame{Kind: FrameError}.Carries())
	assert.False(t, Frame{Kind: FrameConnect}.Carries())
	assert.False(t, Frame{Kind: FramePing}.Carries())
}
