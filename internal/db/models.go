package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/relay-chat/relay/internal/protocol"
)

// base contains the fields shared by all models. IDs are database-assigned
// integers because they travel in every wire frame as room_id / user_id.
type base struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User is a local account. Password holds an Argon2id "saltHex:hashHex"
// digest, never the plaintext.
type User struct {
	base
	Email       string `gorm:"uniqueIndex;not null"`
	Password    string `gorm:"not null"`
	DisplayName string `gorm:"not null"`
	IsActive    bool   `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken stores the SHA-256 hash of an opaque refresh token. Tokens are
// rotated on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    int64     `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	UserAgent string
}

// -----------------------------------------------------------------------------
// Rooms
// -----------------------------------------------------------------------------

// Room is a conversation. Direct rooms have exactly two members and no name
// of their own.
type Room struct {
	base
	Name     string `gorm:"not null"`
	IsDirect bool   `gorm:"not null;default:false"`
	OwnerID  int64  `gorm:"not null;index"`
}

// RoomMember grants a user the right to subscribe to and post in a room.
type RoomMember struct {
	RoomID    int64     `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is a posted chat message. Deleted messages are soft-deleted so the
// history endpoint stops returning them while the row remains for audit.
type Message struct {
	base
	RoomID    int64  `gorm:"not null;index:idx_messages_room_id_id,priority:1"`
	UserID    int64  `gorm:"not null"`
	Content   string `gorm:"not null"`
	EditedAt  *time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Payload converts the row into the record carried by message and edit
// events and returned by the history endpoint.
func (m *Message) Payload() protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}
