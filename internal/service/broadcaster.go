package service

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clickerapp/clicker-server/internal/cache"
	"github.com/clickerapp/clicker-server/internal/config"
	"github.com/clickerapp/clicker-server/internal/delivery"
	"github.com/clickerapp/clicker-server/internal/domain"
	domainerrors "github.com/clickerapp/clicker-server/internal/errors"
)

const activeSessionsKey = "clicker:active_sessions"

// BroadcasterService fans live counter updates out to registered sessions.
// Sessions live in a fast-store hash so they survive process restarts; the
// update loop adapts its interval to the session count so aggregate
// deliveries stay under the outbound rate budget.
type BroadcasterService struct {
	cache       *cache.Cache
	clicker     *ClickerService
	leaderboard *LeaderboardService
	sender      delivery.Sender
	limiter     *rate.Limiter
	logger      *slog.Logger
	cfg         config.BroadcasterConfig

	mu       sync.Mutex
	loopDone chan struct{}
	loopWG   sync.WaitGroup
}

// NewBroadcasterService creates a new broadcaster.
func NewBroadcasterService(
	c *cache.Cache,
	clicker *ClickerService,
	leaderboard *LeaderboardService,
	sender delivery.Sender,
	cfg config.BroadcasterConfig,
	logger *slog.Logger,
) *BroadcasterService {
	burst := int(cfg.TargetMessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &BroadcasterService{
		cache:       c,
		clicker:     clicker,
		leaderboard: leaderboard,
		sender:      sender,
		limiter:     rate.NewLimiter(rate.Limit(cfg.TargetMessagesPerSecond), burst),
		logger:      logger,
		cfg:         cfg,
	}
}

// RegisterSession upserts a session with a fresh timestamp. Idempotent.
func (s *BroadcasterService) RegisterSession(ctx context.Context, userID string, target domain.DeliveryTarget) error {
	if userID == "" {
		return domainerrors.Validation("user id is required")
	}

	session := domain.ActiveSession{
		UserID:     userID,
		Target:     target,
		LastUpdate: time.Now().UTC(),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.cache.HSet(ctx, activeSessionsKey, userID, string(payload)); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "register session")
	}

	s.logger.Info("session registered", "user_id", userID, "chat_id", target.ChatID)
	return nil
}

// UnregisterSession removes a session. A missing session is a no-op.
func (s *BroadcasterService) UnregisterSession(ctx context.Context, userID string) error {
	if err := s.cache.HDel(ctx, activeSessionsKey, userID); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "unregister session")
	}
	s.logger.Debug("session unregistered", "user_id", userID)
	return nil
}

// GetActiveSessions returns all sessions inside their TTL window, lazily
// evicting expired and malformed entries as a side effect of the scan.
func (s *BroadcasterService) GetActiveSessions(ctx context.Context) ([]domain.ActiveSession, error) {
	raw, err := s.cache.HGetAll(ctx, activeSessionsKey)
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	now := time.Now().UTC()
	sessions := make([]domain.ActiveSession, 0, len(raw))
	for userID, blob := range raw {
		var session domain.ActiveSession
		if err := json.Unmarshal([]byte(blob), &session); err != nil || session.UserID == "" {
			s.logger.Warn("evicting malformed session record", "user_id", userID)
			s.removeSession(ctx, userID)
			continue
		}
		if session.Expired(now, s.cfg.SessionTTL) {
			s.logger.Debug("session expired", "user_id", userID, "last_update", session.LastUpdate)
			s.removeSession(ctx, userID)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// UpdateSession pushes a refresh to a single session outside the normal
// cycle. Unknown sessions return a not-found error.
func (s *BroadcasterService) UpdateSession(ctx context.Context, userID string) error {
	blob, ok, err := s.cache.HGet(ctx, activeSessionsKey, userID)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "read session")
	}
	if !ok {
		return domainerrors.NotFoundf("no session for user %s", userID)
	}

	var session domain.ActiveSession
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		s.removeSession(ctx, userID)
		return domainerrors.NotFoundf("no session for user %s", userID)
	}

	global, err := s.clicker.GetGlobalClicks(ctx)
	if err != nil {
		return err
	}
	entries, err := s.leaderboard.GetTopClickers(ctx, 0)
	if err != nil {
		return err
	}

	s.pushToSession(ctx, session, global, entries)
	return nil
}

// BroadcastUpdate pushes the current counters to every active session. The
// global total and leaderboard are fetched once and shared across the cycle;
// per-session state is fetched and delivered concurrently. Per-session
// failures never abort the cycle.
func (s *BroadcasterService) BroadcastUpdate(ctx context.Context) error {
	sessions, err := s.GetActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	global, err := s.clicker.GetGlobalClicks(ctx)
	if err != nil {
		return err
	}
	entries, err := s.leaderboard.GetTopClickers(ctx, 0)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(session domain.ActiveSession) {
			defer wg.Done()
			s.pushToSession(ctx, session, global, entries)
		}(session)
	}
	wg.Wait()

	s.logger.Debug("broadcast cycle complete", "sessions", len(sessions), "global", global)
	return nil
}

// pushToSession delivers one session's personalized payload and updates the
// session record according to the delivery outcome.
func (s *BroadcasterService) pushToSession(ctx context.Context, session domain.ActiveSession, global int64, entries []domain.LeaderboardEntry) {
	userClicks, err := s.clicker.GetUserClicks(ctx, session.UserID)
	if err != nil {
		s.logger.Warn("failed to load user clicks for push", "user_id", session.UserID, "error", err)
		return
	}
	userRank, hasRank, err := s.leaderboard.GetUserRank(ctx, session.UserID)
	if err != nil {
		s.logger.Warn("failed to load user rank for push", "user_id", session.UserID, "error", err)
		return
	}

	text := formatUpdate(global, userClicks, userRank, hasRank, entries)

	// The shared limiter keeps aggregate deliveries under the rate budget
	// even when cycles overlap with one-off UpdateSession pushes.
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()

	err = s.sender.Send(pushCtx, session.Target, text)
	switch {
	case err == nil:
		s.touchSession(ctx, session)
	case errors.Is(err, delivery.ErrNotModified):
		// Unchanged content counts as delivered; no state change.
	case errors.Is(err, delivery.ErrGone):
		s.logger.Info("delivery target gone, dropping session", "user_id", session.UserID)
		s.removeSession(ctx, session.UserID)
	default:
		// Recoverable failure: leave lastUpdate stale so persistent
		// failures age the session out through the TTL.
		s.logger.Warn("push failed", "user_id", session.UserID, "error", err)
	}
}

// touchSession refreshes the session's lastUpdate after a successful push.
func (s *BroadcasterService) touchSession(ctx context.Context, session domain.ActiveSession) {
	session.LastUpdate = time.Now().UTC()
	payload, err := json.Marshal(session)
	if err != nil {
		s.logger.Warn("failed to encode session", "user_id", session.UserID, "error", err)
		return
	}
	if err := s.cache.HSet(ctx, activeSessionsKey, session.UserID, string(payload)); err != nil {
		s.logger.Warn("failed to refresh session", "user_id", session.UserID, "error", err)
	}
}

func (s *BroadcasterService) removeSession(ctx context.Context, userID string) {
	if err := s.cache.HDel(ctx, activeSessionsKey, userID); err != nil {
		s.logger.Warn("failed to remove session", "user_id", userID, "error", err)
	}
}

// CalculateUpdateInterval derives the broadcast cadence from the session
// count so that aggregate deliveries never exceed the outbound budget:
// max(base, min(cap, count/targetPerSecond*1000*safety)) milliseconds.
func (s *BroadcasterService) CalculateUpdateInterval(sessionCount int) time.Duration {
	if sessionCount <= 0 {
		return s.cfg.BaseInterval
	}

	ms := float64(sessionCount) / s.cfg.TargetMessagesPerSecond * 1000 * s.cfg.SafetyMultiplier
	interval := time.Duration(ms) * time.Millisecond
	if interval > s.cfg.MaxInterval {
		interval = s.cfg.MaxInterval
	}
	if interval < s.cfg.BaseInterval {
		interval = s.cfg.BaseInterval
	}
	return interval
}

// Start launches the self-rescheduling broadcast loop. Each cycle recomputes
// the interval from the current session count, waits it out, then runs a
// broadcast. Failing cycles back off exponentially and resume automatically
// once a cycle succeeds; crossing the consecutive-failure threshold raises
// an operator alert instead of halting the loop. Starting a running loop
// warns and does nothing.
func (s *BroadcasterService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopDone != nil {
		s.logger.Warn("broadcast loop already running")
		return
	}

	done := make(chan struct{})
	s.loopDone = done
	s.loopWG.Add(1)

	go s.runLoop(done)
	s.logger.Info("broadcast loop started",
		"base_interval", s.cfg.BaseInterval,
		"max_interval", s.cfg.MaxInterval,
		"target_mps", s.cfg.TargetMessagesPerSecond)
}

func (s *BroadcasterService) runLoop(done chan struct{}) {
	defer s.loopWG.Done()

	consecutiveFailures := 0

	for {
		interval := s.nextInterval(consecutiveFailures)

		timer := time.NewTimer(interval)
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.BroadcastUpdate(context.Background()); err != nil {
			consecutiveFailures++
			s.logger.Warn("broadcast cycle failed", "error", err, "consecutive", consecutiveFailures)
			if consecutiveFailures == s.cfg.MaxConsecutiveFailures {
				s.logger.Error("broadcast loop failing repeatedly, backing off",
					"consecutive", consecutiveFailures)
			}
			continue
		}
		consecutiveFailures = 0
	}
}

// nextInterval combines the adaptive cadence with exponential backoff after
// consecutive cycle failures, both capped at the configured maximum.
func (s *BroadcasterService) nextInterval(consecutiveFailures int) time.Duration {
	sessionCount := 0
	if sessions, err := s.GetActiveSessions(context.Background()); err == nil {
		sessionCount = len(sessions)
	} else {
		s.logger.Warn("failed to count sessions for scheduling", "error", err)
	}

	interval := s.CalculateUpdateInterval(sessionCount)

	if consecutiveFailures > 0 {
		backoff := s.cfg.BaseInterval << min(consecutiveFailures, 10)
		if backoff > s.cfg.MaxInterval {
			backoff = s.cfg.MaxInterval
		}
		if backoff > interval {
			interval = backoff
		}
	}
	return interval
}

// Stop cancels the loop and waits for an in-flight cycle. Idempotent.
func (s *BroadcasterService) Stop() {
	s.mu.Lock()
	if s.loopDone == nil {
		s.mu.Unlock()
		return
	}
	close(s.loopDone)
	s.loopDone = nil
	s.mu.Unlock()

	s.loopWG.Wait()
	s.logger.Info("broadcast loop stopped")
}

// formatUpdate renders the live-update payload pushed to every session.
func formatUpdate(global, userClicks int64, userRank int, hasRank bool, entries []domain.LeaderboardEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Total clicks: %d\n", global)
	if hasRank {
		fmt.Fprintf(&b, "Your clicks: %d (rank #%d)\n", userClicks, userRank)
	} else {
		fmt.Fprintf(&b, "Your clicks: %d\n", userClicks)
	}

	if len(entries) > 0 {
		b.WriteString("\nTop clickers:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%d. %s: %d\n", e.Rank, e.DisplayName, e.ClickCount)
		}
	}
	return b.String()
}
