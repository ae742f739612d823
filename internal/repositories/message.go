package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relay-chat/relay/internal/db"
)

// MaxHistoryPage caps the limit accepted by MessageRepository.List.
const MaxHistoryPage = 200

// gormMessageRepository is the GORM implementation of MessageRepository.
type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by the provided *gorm.DB.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) Create(ctx context.Context, msg *db.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("messages: create: %w", err)
	}
	return nil
}

// GetByID retrieves a message by id. Soft-deleted messages are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormMessageRepository) GetByID(ctx context.Context, id int64) (*db.Message, error) {
	return first[db.Message](ctx, r.db, "load message", "id = ?", id)
}

func (r *gormMessageRepository) List(ctx context.Context, roomID, beforeID int64, limit int) ([]db.Message, error) {
	if limit <= 0 || limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}

	q := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	// Newest page first, then flipped so callers render oldest to newest.
	var msgs []db.Message
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messages: list: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *gormMessageRepository) UpdateContent(ctx context.Context, id int64, content string, at time.Time) (*db.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":   content,
			"edited_at": at.UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("messages: update content: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// Delete soft-deletes a message by setting deleted_at.
func (r *gormMessageRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Message{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("messages: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
