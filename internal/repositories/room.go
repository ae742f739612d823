package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/relay-chat/relay/internal/db"
)

// gormRoomRepository is the GORM implementation of RoomRepository. It also
// satisfies events.MembershipChecker through IsMember.
type gormRoomRepository struct {
	db *gorm.DB
}

// NewRoomRepository returns a RoomRepository backed by the provided *gorm.DB.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

func (r *gormRoomRepository) Create(ctx context.Context, room *db.Room, members ...int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}

		seen := map[int64]bool{room.OwnerID: true}
		rows := []db.RoomMember{{RoomID: room.ID, UserID: room.OwnerID}}
		for _, id := range members {
			if seen[id] {
				continue
			}
			seen[id] = true
			rows = append(rows, db.RoomMember{RoomID: room.ID, UserID: id})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("rooms: create: %w", err)
	}
	return nil
}

// GetByID retrieves a room by id. Returns ErrNotFound if no record exists.
func (r *gormRoomRepository) GetByID(ctx context.Context, id int64) (*db.Room, error) {
	return first[db.Room](ctx, r.db, "load room", "id = ?", id)
}

// ListForUser returns the rooms userID belongs to, ordered by id.
func (r *gormRoomRepository) ListForUser(ctx context.Context, userID int64) ([]db.Room, error) {
	var rooms []db.Room
	err := r.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.id ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("rooms: list for user: %w", err)
	}
	return rooms, nil
}

// Delete removes the room; memberships and messages cascade.
func (r *gormRoomRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Room{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("rooms: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoomRepository) AddMember(ctx context.Context, roomID, userID int64) error {
	err := r.db.WithContext(ctx).Create(&db.RoomMember{RoomID: roomID, UserID: userID}).Error
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrConflict
	case isForeignKeyViolation(err):
		return ErrNotFound
	default:
		return fmt.Errorf("rooms: add member: %w", err)
	}
}

// RemoveMember returns ErrNotFound if the user was not a member.
func (r *gormRoomRepository) RemoveMember(ctx context.Context, roomID, userID int64) error {
	result := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&db.RoomMember{})
	if result.Error != nil {
		return fmt.Errorf("rooms: remove member: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormRoomRepository) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("rooms: is member: %w", err)
	}
	return count > 0, nil
}

// Members returns the user ids of a room, ascending.
func (r *gormRoomRepository) Members(ctx context.Context, roomID int64) ([]int64, error) {
	ids := []int64{}
	err := r.db.WithContext(ctx).
		Model(&db.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("rooms: members: %w", err)
	}
	return ids, nil
}
