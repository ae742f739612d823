package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check for it with errors.Is.
//
//	user, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example when registering a user with an email that
// already exists.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation recognises duplicate-key errors from both drivers. The
// postgres dialector translates them to gorm.ErrDuplicatedKey; the modernc
// sqlite driver only reports them in the message text.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation reports a reference to a row that does not exist.
func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// first loads the single row matching where into a new T. A miss becomes
// ErrNotFound; any other failure is wrapped with op.
func first[T any](ctx context.Context, tx *gorm.DB, op, where string, args ...any) (*T, error) {
	var row T
	err := tx.WithContext(ctx).Where(where, args...).First(&row).Error
	switch {
	case err == nil:
		return &row, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
}
