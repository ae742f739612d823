package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Payload is the variant-specific part of an Event. The set of
// implementations is closed: MessagePayload, TypingPayload, RoomPayload,
// ErrorPayload and DeletePayload.
type Payload interface {
	isPayload()
}

// MessagePayload is the full message record carried by message and edit
// events. It mirrors what the REST history endpoint returns.
type MessagePayload struct {
	ID        int64      `json:"id"`
	RoomID    int64      `json:"room_id"`
	UserID    int64      `json:"user_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// TypingPayload carries whether the subject user is currently typing.
type TypingPayload struct {
	Typing bool `json:"typing"`
}

// RoomPayload is the content of join and leave frames.
type RoomPayload struct {
	RoomID int64 `json:"room_id"`
}

// ErrorPayload is encoded on the wire as a bare JSON string.
type ErrorPayload struct {
	Reason string
}

// DeletePayload identifies the message removed by a delete event.
type DeletePayload struct {
	MessageID int64 `json:"message_id"`
}

func (MessagePayload) isPayload() {}
func (TypingPayload) isPayload()  {}
func (RoomPayload) isPayload()    {}
func (ErrorPayload) isPayload()   {}
func (DeletePayload) isPayload()  {}

// Event is an immutable, fully typed server-to-client notification. Events
// are built with the New* constructors and are fanned out by value: the Hub
// encodes an Event once and hands the same bytes to every recipient.
type Event struct {
	kind      Kind
	roomID    int64
	userID    int64
	timestamp time.Time
	payload   Payload
}

func (e Event) Kind() Kind           { return e.kind }
func (e Event) RoomID() int64        { return e.roomID }
func (e Event) UserID() int64        { return e.userID }
func (e Event) Timestamp() time.Time { return e.timestamp }
func (e Event) Payload() Payload     { return e.payload }

// NewMessage builds a message event for a freshly persisted record.
func NewMessage(msg MessagePayload, at time.Time) Event {
	return Event{kind: KindMessage, roomID: msg.RoomID, userID: msg.UserID, timestamp: at.UTC(), payload: msg}
}

// NewEdit builds an edit event carrying the updated record.
func NewEdit(msg MessagePayload, at time.Time) Event {
	return Event{kind: KindEdit, roomID: msg.RoomID, userID: msg.UserID, timestamp: at.UTC(), payload: msg}
}

// NewDelete builds a delete event. userID is the user who removed the message.
func NewDelete(roomID, userID, messageID int64, at time.Time) Event {
	return Event{kind: KindDelete, roomID: roomID, userID: userID, timestamp: at.UTC(), payload: DeletePayload{MessageID: messageID}}
}

// NewTyping builds a typing event where userID is the typer.
func NewTyping(roomID, userID int64, typing bool, at time.Time) Event {
	return Event{kind: KindTyping, roomID: roomID, userID: userID, timestamp: at.UTC(), payload: TypingPayload{Typing: typing}}
}

// NewJoin builds a presence-join event where userID is the subject.
func NewJoin(roomID, userID int64, at time.Time) Event {
	return Event{kind: KindJoin, roomID: roomID, userID: userID, timestamp: at.UTC(), payload: RoomPayload{RoomID: roomID}}
}

// NewLeave builds a presence-leave event where userID is the subject.
func NewLeave(roomID, userID int64, at time.Time) Event {
	return Event{kind: KindLeave, roomID: roomID, userID: userID, timestamp: at.UTC(), payload: RoomPayload{RoomID: roomID}}
}

// Error reasons sent with room-scoped error events.
const (
	ReasonNotMember   = "not a member of this room"
	ReasonRemoved     = "removed from room"
	ReasonCheckFailed = "could not verify room membership"
)

// RoomRevoked reports whether e tells the session it may not be in its room
// any more. Clients drop that room from the set they rejoin on reconnect.
// A failed membership check is transient and does not count.
func (e Event) RoomRevoked() bool {
	if e.kind != KindError || e.roomID == 0 {
		return false
	}
	p, ok := e.payload.(ErrorPayload)
	return ok && (p.Reason == ReasonNotMember || p.Reason == ReasonRemoved)
}

// NewError builds an error event addressed to a single session. roomID may
// be zero when the error is not tied to a room.
func NewError(roomID int64, reason string, at time.Time) Event {
	return Event{kind: KindError, roomID: roomID, timestamp: at.UTC(), payload: ErrorPayload{Reason: reason}}
}

// Encode serialises the event into a wire frame.
func (e Event) Encode() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	switch p := e.payload.(type) {
	case ErrorPayload:
		content, err = json.Marshal(p.Reason)
	case nil:
		return nil, fmt.Errorf("protocol: encode %s: missing payload", e.kind)
	default:
		content, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s content: %w", e.kind, err)
	}

	ts := e.timestamp
	data, err := json.Marshal(Frame{
		Type:      e.kind,
		RoomID:    e.roomID,
		UserID:    e.userID,
		Content:   content,
		Timestamp: &ts,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", e.kind, err)
	}
	return data, nil
}

// Decode parses a server-to-client frame into an Event, rejecting frames
// whose content does not match their declared type.
func Decode(data []byte) (Event, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return Event{}, err
	}

	ev := Event{kind: f.Type, roomID: f.RoomID, userID: f.UserID}
	if f.Timestamp != nil {
		ev.timestamp = f.Timestamp.UTC()
	}

	switch f.Type {
	case KindMessage, KindEdit:
		var p MessagePayload
		if err := decodeStrict(f.Content, &p); err != nil {
			return Event{}, err
		}
		if p.RoomID != f.RoomID {
			return Event{}, fmt.Errorf("%w: message room %d in frame for room %d", ErrPayloadMismatch, p.RoomID, f.RoomID)
		}
		ev.payload = p

	case KindTyping:
		var w typingWire
		if err := decodeStrict(f.Content, &w); err != nil {
			return Event{}, err
		}
		if w.Typing == nil {
			return Event{}, fmt.Errorf("%w: typing flag missing", ErrPayloadMismatch)
		}
		ev.payload = TypingPayload{Typing: *w.Typing}

	case KindJoin, KindLeave:
		roomID, err := decodeRoom(f)
		if err != nil {
			return Event{}, err
		}
		ev.roomID = roomID
		ev.payload = RoomPayload{RoomID: roomID}

	case KindDelete:
		var w deleteWire
		if err := decodeStrict(f.Content, &w); err != nil {
			return Event{}, err
		}
		if w.MessageID == nil {
			return Event{}, fmt.Errorf("%w: message_id missing", ErrPayloadMismatch)
		}
		ev.payload = DeletePayload{MessageID: *w.MessageID}

	case KindError:
		var reason string
		if err := decodeStrict(f.Content, &reason); err != nil {
			return Event{}, err
		}
		ev.payload = ErrorPayload{Reason: reason}
	}

	return ev, nil
}

type typingWire struct {
	Typing *bool `json:"typing"`
}

type roomWire struct {
	RoomID *int64 `json:"room_id"`
}

type deleteWire struct {
	MessageID *int64 `json:"message_id"`
}

// decodeRoom resolves the room of a join/leave frame. The content's room_id
// is authoritative; the envelope's room_id, when set, must agree with it.
func decodeRoom(f Frame) (int64, error) {
	var w roomWire
	if err := decodeStrict(f.Content, &w); err != nil {
		return 0, err
	}
	if w.RoomID == nil {
		return 0, fmt.Errorf("%w: room_id missing", ErrPayloadMismatch)
	}
	if *w.RoomID <= 0 {
		return 0, ErrInvalidRoom
	}
	if f.RoomID != 0 && f.RoomID != *w.RoomID {
		return 0, fmt.Errorf("%w: content room %d, frame room %d", ErrPayloadMismatch, *w.RoomID, f.RoomID)
	}
	return *w.RoomID, nil
}
