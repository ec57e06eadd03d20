// Package store defines the durable system-of-record interface for user
// click counters. The fast store (internal/cache) holds the live values;
// reconciliation copies them here as absolute last-write-wins snapshots.
package store

import (
	"context"

	"github.com/clickerapp/clicker-server/internal/domain"
	apperrors "github.com/clickerapp/clicker-server/internal/errors"
)

// ErrUserNotFound is returned when a user does not exist in the durable store.
var ErrUserNotFound = apperrors.NotFound("user not found")

// UserUpdate is a partial update of a user row. Nil fields are left unchanged.
// An update with no fields set is rejected as a caller error.
type UserUpdate struct {
	Username    *string
	DisplayName *string
	ClickCount  *int64
}

// Empty reports whether the update carries no fields.
func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.DisplayName == nil && u.ClickCount == nil
}

// UserStore is the durable store consumed by the counter and ranking caches.
type UserStore interface {
	// GetUser returns the user or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*domain.User, error)

	// CreateUser inserts a new user row.
	CreateUser(ctx context.Context, user *domain.User) error

	// ListUsers returns a page of users ordered by ID.
	ListUsers(ctx context.Context, offset, limit int) ([]*domain.User, error)

	// CountUsers returns the total user population size.
	CountUsers(ctx context.Context) (int, error)

	// UpdateUser applies a partial update and returns the updated row.
	// Rejects empty updates; returns ErrUserNotFound for unknown IDs.
	UpdateUser(ctx context.Context, id string, updates UserUpdate) (*domain.User, error)

	// TopClickers returns up to limit users ordered by descending click count.
	// Ties fall back to the store's default ordering.
	TopClickers(ctx context.Context, limit int) ([]*domain.User, error)

	// CountUsersWithMoreClicks returns how many users have a click count
	// strictly greater than the given value. Used for rank computation.
	CountUsersWithMoreClicks(ctx context.Context, than int64) (int, error)
}
