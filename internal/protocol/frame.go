// Package protocol defines the wire format shared by the relay server and its
// clients. Every WebSocket text frame carries exactly one Frame; the shape of
// Frame.Content is fixed by Frame.Type and is decoded into a concrete Payload.
//
// Frame example:
//
//	{"type":"typing","room_id":42,"user_id":7,"content":{"typing":true},"timestamp":"2026-10-19T12:00:00Z"}
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Kind identifies the variant carried by a Frame or Event.
type Kind string

const (
	// KindMessage carries a newly created message record.
	KindMessage Kind = "message"

	// KindTyping carries a typing state change. Client-sent and server-sent.
	KindTyping Kind = "typing"

	// KindJoin is a subscription intent from a client, or a presence
	// notification from the server.
	KindJoin Kind = "join"

	// KindLeave mirrors KindJoin.
	KindLeave Kind = "leave"

	// KindError carries a human-readable reason. Server-sent only.
	KindError Kind = "error"

	// KindEdit carries the updated record of an edited message.
	KindEdit Kind = "edit"

	// KindDelete carries the id of a deleted message.
	KindDelete Kind = "delete"
)

// Kinds lists every known frame type.
var Kinds = []Kind{KindMessage, KindTyping, KindJoin, KindLeave, KindError, KindEdit, KindDelete}

// Valid reports whether k is a known frame type.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Sentinel decoding errors. Callers should compare with errors.Is.
var (
	// ErrMalformed is returned when a frame is not valid JSON.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned when Frame.Type is not a known Kind.
	ErrUnknownType = errors.New("protocol: unknown frame type")

	// ErrPayloadMismatch is returned when Frame.Content does not match the
	// shape required by Frame.Type.
	ErrPayloadMismatch = errors.New("protocol: content does not match frame type")

	// ErrNotAnIntent is returned when a client sends a server-only frame type.
	ErrNotAnIntent = errors.New("protocol: frame type not accepted from clients")

	// ErrInvalidRoom is returned when a frame names no room or a non-positive one.
	ErrInvalidRoom = errors.New("protocol: invalid room id")
)

// Frame is the envelope of every message exchanged after the handshake.
type Frame struct {
	Type   Kind  `json:"type"`
	RoomID int64 `json:"room_id"`

	// UserID is assigned by the server. Whatever a client puts here is
	// overwritten before the frame is acted upon.
	UserID int64 `json:"user_id"`

	Content json.RawMessage `json:"content,omitempty"`

	// Timestamp is stamped by the server on outbound frames only.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// decodeFrame parses the envelope without interpreting Content.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return f, nil
}

// decodeStrict unmarshals raw into dst, rejecting unknown fields so that a
// payload belonging to one frame type is never accepted under another.
func decodeStrict(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty content", ErrPayloadMismatch)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	return nil
}
