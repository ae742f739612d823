package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Intent is a client-originated request: join or leave a room, or a typing
// state change. Intents never carry a user id; the server attaches the
// identity of the session they arrived on.
type Intent struct {
	Kind   Kind
	RoomID int64
	Typing bool
}

// JoinIntent returns the intent to subscribe to roomID.
func JoinIntent(roomID int64) Intent { return Intent{Kind: KindJoin, RoomID: roomID} }

// LeaveIntent returns the intent to unsubscribe from roomID.
func LeaveIntent(roomID int64) Intent { return Intent{Kind: KindLeave, RoomID: roomID} }

// TypingIntent returns a typing state change for roomID.
func TypingIntent(roomID int64, typing bool) Intent {
	return Intent{Kind: KindTyping, RoomID: roomID, Typing: typing}
}

// DecodeIntent parses a client-to-server frame. Any user_id and timestamp the
// client sent are discarded.
func DecodeIntent(data []byte) (Intent, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return Intent{}, err
	}

	switch f.Type {
	case KindJoin, KindLeave:
		roomID, err := decodeRoom(f)
		if err != nil {
			return Intent{}, err
		}
		return Intent{Kind: f.Type, RoomID: roomID}, nil

	case KindTyping:
		if f.RoomID <= 0 {
			return Intent{}, ErrInvalidRoom
		}
		var w typingWire
		if err := decodeStrict(f.Content, &w); err != nil {
			return Intent{}, err
		}
		if w.Typing == nil {
			return Intent{}, fmt.Errorf("%w: typing flag missing", ErrPayloadMismatch)
		}
		return Intent{Kind: KindTyping, RoomID: f.RoomID, Typing: *w.Typing}, nil

	default:
		return Intent{}, fmt.Errorf("%w: %q", ErrNotAnIntent, f.Type)
	}
}

// Encode serialises the intent into a client-to-server frame.
func (i Intent) Encode() ([]byte, error) {
	var content any
	switch i.Kind {
	case KindJoin, KindLeave:
		content = RoomPayload{RoomID: i.RoomID}
	case KindTyping:
		content = TypingPayload{Typing: i.Typing}
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotAnIntent, i.Kind)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s intent: %w", i.Kind, err)
	}
	return json.Marshal(Frame{Type: i.Kind, RoomID: i.RoomID, Content: raw})
}
