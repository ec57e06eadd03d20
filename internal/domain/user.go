package domain

import "time"

// User represents a player account in the clicker game.
// The durable store is the system of record for ClickCount; the fast store
// holds the authoritative-for-now value between reconciliation passes.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	ClickCount  int64     `json:"click_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name returns the best display label for the user: display name,
// then username, then a generic fallback derived from the ID.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return "User " + u.ID
}
