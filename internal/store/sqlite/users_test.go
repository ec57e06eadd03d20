package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clickerapp/clicker-server/internal/domain"
	apperrors "github.com/clickerapp/clicker-server/internal/errors"
	"github.com/clickerapp/clicker-server/internal/store"
)

// makeTestUser creates a domain.User with sensible defaults for testing.
func makeTestUser(id string, clicks int64) *domain.User {
	now := time.Now()
	return &domain.User{
		ID:          id,
		Username:    "user_" + id,
		DisplayName: "User " + id,
		ClickCount:  clicks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := makeTestUser("u1", 10)
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}

	if got.ID != "u1" {
		t.Errorf("ID: got %q, want %q", got.ID, "u1")
	}
	if got.Username != "user_u1" {
		t.Errorf("Username: got %q, want %q", got.Username, "user_u1")
	}
	if got.DisplayName != "User u1" {
		t.Errorf("DisplayName: got %q, want %q", got.DisplayName, "User u1")
	}
	if got.ClickCount != 10 {
		t.Errorf("ClickCount: got %d, want 10", got.ClickCount)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "missing")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestGetUser_EmptyDisplayName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := makeTestUser("u1", 0)
	user.DisplayName = ""
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.DisplayName != "" {
		t.Errorf("DisplayName: got %q, want empty", got.DisplayName)
	}
}

func TestListUsers_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		if err := s.CreateUser(ctx, makeTestUser(id, 0)); err != nil {
			t.Fatalf("CreateUser %s: %v", id, err)
		}
	}

	page1, err := s.ListUsers(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListUsers page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "a" || page1[1].ID != "b" {
		t.Errorf("page 1: got %v", userIDs(page1))
	}

	page3, err := s.ListUsers(ctx, 4, 2)
	if err != nil {
		t.Fatalf("ListUsers page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != "e" {
		t.Errorf("page 3: got %v", userIDs(page3))
	}

	empty, err := s.ListUsers(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListUsers past end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty page, got %v", userIDs(empty))
	}
}

func TestCountUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := s.CreateUser(ctx, makeTestUser(id, 0)); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	count, err = s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}

func TestUpdateUser_ClickCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, makeTestUser("u1", 5)); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	clicks := int64(42)
	updated, err := s.UpdateUser(ctx, "u1", store.UserUpdate{ClickCount: &clicks})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.ClickCount != 42 {
		t.Errorf("ClickCount: got %d, want 42", updated.ClickCount)
	}

	// The write is absolute: repeating it changes nothing.
	updated, err = s.UpdateUser(ctx, "u1", store.UserUpdate{ClickCount: &clicks})
	if err != nil {
		t.Fatalf("UpdateUser again: %v", err)
	}
	if updated.ClickCount != 42 {
		t.Errorf("ClickCount after repeat: got %d, want 42", updated.ClickCount)
	}
}

func TestUpdateUser_EmptyUpdateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, makeTestUser("u1", 0)); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err := s.UpdateUser(ctx, "u1", store.UserUpdate{})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestUpdateUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	clicks := int64(1)
	_, err := s.UpdateUser(context.Background(), "missing", store.UserUpdate{ClickCount: &clicks})
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestTopClickers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counts := map[string]int64{"u1": 10, "u2": 50, "u3": 30, "u4": 0}
	for id, c := range counts {
		if err := s.CreateUser(ctx, makeTestUser(id, c)); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	top, err := s.TopClickers(ctx, 3)
	if err != nil {
		t.Fatalf("TopClickers: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(top))
	}
	want := []string{"u2", "u3", "u1"}
	for i, id := range want {
		if top[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, top[i].ID, id)
		}
	}
}

func TestCountUsersWithMoreClicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counts := map[string]int64{"u1": 10, "u2": 50, "u3": 30}
	for id, c := range counts {
		if err := s.CreateUser(ctx, makeTestUser(id, c)); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	n, err := s.CountUsersWithMoreClicks(ctx, 10)
	if err != nil {
		t.Fatalf("CountUsersWithMoreClicks: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	// Strictly greater: equal counts don't count.
	n, err = s.CountUsersWithMoreClicks(ctx, 50)
	if err != nil {
		t.Fatalf("CountUsersWithMoreClicks: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func userIDs(users []*domain.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}
