package repositories

import (
	"context"
	"time"

	"github.com/relay-chat/relay/internal/db"
)

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	// Create returns ErrConflict when the email is already registered.
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id int64) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	DeleteAllForUser(ctx context.Context, userID int64) error

	// DeleteExpired removes every token whose expiry is before now and
	// reports how many were purged.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// RoomRepository
// -----------------------------------------------------------------------------

type RoomRepository interface {
	// Create inserts the room and makes its owner and every id in members a
	// member, in one transaction.
	Create(ctx context.Context, room *db.Room, members ...int64) error
	GetByID(ctx context.Context, id int64) (*db.Room, error)
	ListForUser(ctx context.Context, userID int64) ([]db.Room, error)
	Delete(ctx context.Context, id int64) error

	// AddMember returns ErrConflict if the user already belongs to the room
	// and ErrNotFound if either the room or the user does not exist.
	AddMember(ctx context.Context, roomID, userID int64) error
	RemoveMember(ctx context.Context, roomID, userID int64) error
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	Members(ctx context.Context, roomID int64) ([]int64, error)
}

// -----------------------------------------------------------------------------
// MessageRepository
// -----------------------------------------------------------------------------

type MessageRepository interface {
	Create(ctx context.Context, msg *db.Message) error
	GetByID(ctx context.Context, id int64) (*db.Message, error)

	// List returns up to limit messages of roomID with an id below beforeID
	// (0 means the latest), oldest first.
	List(ctx context.Context, roomID, beforeID int64, limit int) ([]db.Message, error)

	// UpdateContent replaces the content and stamps EditedAt.
	UpdateContent(ctx context.Context, id int64, content string, at time.Time) (*db.Message, error)

	// Delete soft-deletes the message; it disappears from List and GetByID.
	Delete(ctx context.Context, id int64) error
}
