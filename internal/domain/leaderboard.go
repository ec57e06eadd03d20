package domain

// LeaderboardEntry is one row of a leaderboard snapshot.
// Entries are immutable once a snapshot is produced; a fresh snapshot
// replaces the cached one atomically.
type LeaderboardEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ClickCount  int64  `json:"click_count"`
	Rank        int    `json:"rank"`
}
