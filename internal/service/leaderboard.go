package service

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clickerapp/clicker-server/internal/cache"
	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/domain"
	domainerrors "github.com/clickerapp/clicker-server/internal/errors"
	"github.com/clickerapp/clicker-server/internal/store"
)

const leaderboardCacheKey = "clicker:leaderboard:snapshot"

// LeaderboardService derives a top-N leaderboard and per-user ranks from the
// durable store. The snapshot is cached with a short TTL and evicted
// explicitly by the write path; the TTL bounds staleness when a caller
// forgets to invalidate.
type LeaderboardService struct {
	cache  *cache.Cache
	users  store.UserStore
	logger *slog.Logger
	cfg    config.LeaderboardConfig
}

// NewLeaderboardService creates a new leaderboard service.
func NewLeaderboardService(c *cache.Cache, users store.UserStore, cfg config.LeaderboardConfig, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		cache:  c,
		users:  users,
		logger: logger,
		cfg:    cfg,
	}
}

// GetTopClickers returns up to limit leaderboard entries, served from the
// cached snapshot when present. Limits above the snapshot size are trimmed
// to it. A malformed cached snapshot is evicted and treated as a miss.
func (s *LeaderboardService) GetTopClickers(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit < 1 || limit > s.cfg.Size {
		limit = s.cfg.Size
	}

	if entries, ok := s.cachedSnapshot(ctx); ok {
		return trimEntries(entries, limit), nil
	}

	users, err := s.users.TopClickers(ctx, s.cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("query top clickers: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(users))
	for i, u := range users {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:      u.ID,
			DisplayName: u.Name(),
			ClickCount:  u.ClickCount,
			Rank:        i + 1,
		})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode leaderboard snapshot: %w", err)
	}
	if err := s.cache.Set(ctx, leaderboardCacheKey, string(payload), s.cfg.CacheTTL); err != nil {
		// Serving a fresh result beats failing over a cache write.
		s.logger.Warn("failed to cache leaderboard snapshot", "error", err)
	}

	return trimEntries(entries, limit), nil
}

// cachedSnapshot decodes the cached snapshot, evicting anything that does
// not decode into a well-formed entry list.
func (s *LeaderboardService) cachedSnapshot(ctx context.Context) ([]domain.LeaderboardEntry, bool) {
	raw, ok, err := s.cache.Get(ctx, leaderboardCacheKey)
	if err != nil {
		s.logger.Warn("failed to read leaderboard snapshot", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("evicting malformed leaderboard snapshot", "error", err)
		s.evict(ctx)
		return nil, false
	}
	for _, e := range entries {
		if e.UserID == "" || e.Rank < 1 || e.ClickCount < 0 {
			s.logger.Warn("evicting leaderboard snapshot with invalid entry", "user_id", e.UserID, "rank", e.Rank)
			s.evict(ctx)
			return nil, false
		}
	}
	return entries, true
}

func trimEntries(entries []domain.LeaderboardEntry, limit int) []domain.LeaderboardEntry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// GetUserRank returns the user's 1-based rank, computed as one plus the
// number of users with strictly more clicks. The second return is false for
// users with no recorded clicks; rank is only meaningful once a user has
// participated. Always a fresh point query, never served from the snapshot.
func (s *LeaderboardService) GetUserRank(ctx context.Context, userID string) (int, bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load user %s: %w", userID, err)
	}
	if user.ClickCount == 0 {
		return 0, false, nil
	}

	ahead, err := s.users.CountUsersWithMoreClicks(ctx, user.ClickCount)
	if err != nil {
		return 0, false, fmt.Errorf("compute rank for %s: %w", userID, err)
	}
	return ahead + 1, true, nil
}

// InvalidateCache unconditionally evicts the cached snapshot. The write
// path calls this after increments that can affect the top N.
func (s *LeaderboardService) InvalidateCache(ctx context.Context) error {
	if err := s.cache.Del(ctx, leaderboardCacheKey); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "invalidate leaderboard")
	}
	return nil
}

func (s *LeaderboardService) evict(ctx context.Context) {
	if err := s.cache.Del(ctx, leaderboardCacheKey); err != nil {
		s.logger.Warn("failed to evict leaderboard snapshot", "error", err)
	}
}
