package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestEventEncodeDecode(t *testing.T) {
	msg := MessagePayload{ID: 9, RoomID: 42, UserID: 7, Content: "hello", CreatedAt: testTime}

	tests := []struct {
		name string
		ev   Event
	}{
		{"message", NewMessage(msg, testTime)},
		{"edit", NewEdit(msg, testTime)},
		{"typing", NewTyping(42, 7, true, testTime)},
		{"join", NewJoin(42, 7, testTime)},
		{"leave", NewLeave(42, 7, testTime)},
		{"delete", NewDelete(42, 7, 9, testTime)},
		{"error", NewError(0, "not subscribed", testTime)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.ev.Encode()
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.ev.Kind(), got.Kind())
			assert.Equal(t, tt.ev.RoomID(), got.RoomID())
			assert.Equal(t, tt.ev.UserID(), got.UserID())
			assert.True(t, tt.ev.Timestamp().Equal(got.Timestamp()))
			assert.Equal(t, tt.ev.Payload(), got.Payload())
		})
	}
}

func TestErrorContentIsString(t *testing.T) {
	data, err := NewError(3, "slow down", testTime).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"slow down"`)
}

func TestRoomRevoked(t *testing.T) {
	removed, err := NewError(5, ReasonRemoved, testTime).Encode()
	require.NoError(t, err)
	decoded, err := Decode(removed)
	require.NoError(t, err)
	assert.True(t, decoded.RoomRevoked(), "survives the wire")

	assert.True(t, NewError(5, ReasonNotMember, testTime).RoomRevoked())
	assert.False(t, NewError(5, ReasonCheckFailed, testTime).RoomRevoked())
	assert.False(t, NewError(0, ReasonRemoved, testTime).RoomRevoked())
	assert.False(t, NewLeave(5, 7, testTime).RoomRevoked())
}

func TestDecodeRejectsMismatchedContent(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"unknown type", `{"type":"shout","room_id":1,"content":{}}`, ErrUnknownType},
		{"typing with room content", `{"type":"typing","room_id":1,"content":{"room_id":1}}`, ErrPayloadMismatch},
		{"typing without flag", `{"type":"typing","room_id":1,"content":{}}`, ErrPayloadMismatch},
		{"join with typing content", `{"type":"join","room_id":1,"content":{"typing":true}}`, ErrPayloadMismatch},
		{"join room disagreement", `{"type":"join","room_id":2,"content":{"room_id":1}}`, ErrPayloadMismatch},
		{"error with object", `{"type":"error","content":{"reason":"x"}}`, ErrPayloadMismatch},
		{"message room disagreement", `{"type":"message","room_id":2,"content":{"id":1,"room_id":1,"user_id":1,"content":"x","created_at":"2026-10-19T12:00:00Z"}}`, ErrPayloadMismatch},
		{"delete without id", `{"type":"delete","room_id":2,"content":{}}`, ErrPayloadMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeIntent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Intent
		wantErr error
	}{
		{
			name:  "join",
			frame: `{"type":"join","content":{"room_id":10}}`,
			want:  Intent{Kind: KindJoin, RoomID: 10},
		},
		{
			name:  "leave with matching envelope room",
			frame: `{"type":"leave","room_id":10,"content":{"room_id":10}}`,
			want:  Intent{Kind: KindLeave, RoomID: 10},
		},
		{
			name:  "typing ignores spoofed user",
			frame: `{"type":"typing","room_id":99,"user_id":1234,"content":{"typing":true}}`,
			want:  Intent{Kind: KindTyping, RoomID: 99, Typing: true},
		},
		{
			name:    "typing without room",
			frame:   `{"type":"typing","content":{"typing":true}}`,
			wantErr: ErrInvalidRoom,
		},
		{
			name:    "join zero room",
			frame:   `{"type":"join","content":{"room_id":0}}`,
			wantErr: ErrInvalidRoom,
		},
		{
			name:    "message from client",
			frame:   `{"type":"message","room_id":1,"content":{}}`,
			wantErr: ErrNotAnIntent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeIntent([]byte(tt.frame))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntentEncodeIsDecodable(t *testing.T) {
	for _, in := range []Intent{JoinIntent(5), LeaveIntent(5), TypingIntent(5, false)} {
		data, err := in.Encode()
		require.NoError(t, err)

		got, err := DecodeIntent(data)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}

	_, err := Intent{Kind: KindMessage}.Encode()
	assert.ErrorIs(t, err, ErrNotAnIntent)
}
