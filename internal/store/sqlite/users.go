package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clickerapp/clicker-server/internal/domain"
	apperrors "github.com/clickerapp/clicker-server/internal/errors"
	"github.com/clickerapp/clicker-server/internal/store"
)

// userColumns is the ordered list of columns selected in user queries.
// Must match the scan order in scanUser.
const userColumns = `id, username, display_name, click_count, created_at, updated_at`

// scanUser scans a sql.Row (or sql.Rows via its Scan method) into a domain.User.
func scanUser(scanner interface{ Scan(dest ...any) error }) (*domain.User, error) {
	var u domain.User

	var (
		displayName sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := scanner.Scan(
		&u.ID,
		&u.Username,
		&displayName,
		&u.ClickCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if displayName.Valid {
		u.DisplayName = displayName.String
	}

	// Parse timestamps.
	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, click_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		nullString(user.DisplayName),
		user.ClickCount,
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user or store.ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

// ListUsers returns a page of users ordered by ID.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CountUsers returns the total user population size.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// UpdateUser applies a partial update and returns the updated row.
// An empty update is a caller error, never silently ignored.
func (s *Store) UpdateUser(ctx context.Context, id string, updates store.UserUpdate) (*domain.User, error) {
	if updates.Empty() {
		return nil, apperrors.Validation("no update fields provided")
	}

	setClauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if updates.Username != nil {
		setClauses = append(setClauses, "username = ?")
		args = append(args, *updates.Username)
	}
	if updates.DisplayName != nil {
		setClauses = append(setClauses, "display_name = ?")
		args = append(args, nullString(*updates.DisplayName))
	}
	if updates.ClickCount != nil {
		setClauses = append(setClauses, "click_count = ?")
		args = append(args, *updates.ClickCount)
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(setClauses, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update user %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, store.ErrUserNotFound
	}

	return s.GetUser(ctx, id)
}

// TopClickers returns up to limit users ordered by descending click count.
// Within equal counts the order is the store's default (physical) order.
func (s *Store) TopClickers(ctx context.Context, limit int) ([]*domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY click_count DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top clickers: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CountUsersWithMoreClicks returns how many users have a click count
// strictly greater than the given value.
func (s *Store) CountUsersWithMoreClicks(ctx context.Context, than int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE click_count > ?`, than).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users with more clicks: %w", err)
	}
	return count, nil
}
