package api

import (
	"encoding/json/v2"
	"net/http"
	"strconv"

	"github.com/clickerapp/clicker-server/internal/http/response"
)

// ClickRequest is the request body for registering clicks.
type ClickRequest struct {
	UserID string `json:"user_id" validate:"required,min=1,max=64"`
	Amount int64  `json:"amount" validate:"required,min=1,max=100"`
}

// ClickResponse is the response body for a registered click.
type ClickResponse struct {
	UserClicks   int64 `json:"user_clicks"`
	GlobalClicks int64 `json:"global_clicks"`
}

// StatsResponse is the response body for counter stats.
type StatsResponse struct {
	UserClicks   int64 `json:"user_clicks"`
	GlobalClicks int64 `json:"global_clicks"`
	Rank         *int  `json:"rank,omitempty"`
}

// handleClick registers clicks for a user and returns the new totals.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ClickRequest
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid request body", s.logger)
		return
	}
	if err := validate.Struct(req); err != nil {
		response.HandleError(w, formatValidationError(err), s.logger)
		return
	}

	if !s.clickLimiter.Allow(req.UserID) {
		response.TooManyRequests(w, "Too many clicks, slow down", s.logger)
		return
	}

	userClicks, err := s.clickerService.Increment(ctx, req.UserID, req.Amount)
	if err != nil {
		s.logger.Error("Failed to register click", "error", err, "user_id", req.UserID)
		response.HandleError(w, err, s.logger)
		return
	}

	// A click can change the top N; the leaderboard cache must not outlive it.
	if err := s.leaderboardService.InvalidateCache(ctx); err != nil {
		s.logger.Warn("Failed to invalidate leaderboard", "error", err)
	}

	globalClicks, err := s.clickerService.GetGlobalClicks(ctx)
	if err != nil {
		s.logger.Error("Failed to read global clicks", "error", err)
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, ClickResponse{
		UserClicks:   userClicks,
		GlobalClicks: globalClicks,
	}, s.logger)
}

// handleGetStats returns the user's count, the global count, and the user's
// rank when they have one.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		response.BadRequest(w, "user_id is required", s.logger)
		return
	}

	userClicks, err := s.clickerService.GetUserClicks(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to read user clicks", "error", err, "user_id", userID)
		response.HandleError(w, err, s.logger)
		return
	}

	globalClicks, err := s.clickerService.GetGlobalClicks(ctx)
	if err != nil {
		s.logger.Error("Failed to read global clicks", "error", err)
		response.HandleError(w, err, s.logger)
		return
	}

	stats := StatsResponse{
		UserClicks:   userClicks,
		GlobalClicks: globalClicks,
	}
	if rank, ok, err := s.leaderboardService.GetUserRank(ctx, userID); err != nil {
		s.logger.Warn("Failed to compute rank", "error", err, "user_id", userID)
	} else if ok {
		stats.Rank = &rank
	}

	response.Success(w, stats, s.logger)
}

// handleGetLeaderboard returns the top clickers.
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			response.BadRequest(w, "limit must be an integer", s.logger)
			return
		}
		limit = parsed
	}

	entries, err := s.leaderboardService.GetTopClickers(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to get leaderboard", "error", err)
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, entries, s.logger)
}
