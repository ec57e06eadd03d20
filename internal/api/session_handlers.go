package api

import (
	"encoding/json/v2"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clickerapp/clicker-server/internal/domain"
	"github.com/clickerapp/clicker-server/internal/http/response"
)

// RegisterSessionRequest is the request body for session registration.
// ChatID addresses the delivery channel: for web clients it is the stream ID
// announced on the SSE connected event.
type RegisterSessionRequest struct {
	UserID    string `json:"user_id" validate:"required,min=1,max=64"`
	ChatID    int64  `json:"chat_id" validate:"required"`
	MessageID int64  `json:"message_id"`
}

// handleRegisterSession registers a session for live counter updates.
func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterSessionRequest
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid request body", s.logger)
		return
	}
	if err := validate.Struct(req); err != nil {
		response.HandleError(w, formatValidationError(err), s.logger)
		return
	}

	target := domain.DeliveryTarget{ChatID: req.ChatID, MessageID: req.MessageID}
	if err := s.broadcaster.RegisterSession(ctx, req.UserID, target); err != nil {
		s.logger.Error("Failed to register session", "error", err, "user_id", req.UserID)
		response.HandleError(w, err, s.logger)
		return
	}

	response.Created(w, map[string]string{"user_id": req.UserID}, s.logger)
}

// handleUnregisterSession removes a session. Unknown sessions still succeed.
func (s *Server) handleUnregisterSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		response.BadRequest(w, "User ID is required", s.logger)
		return
	}

	if err := s.broadcaster.UnregisterSession(ctx, userID); err != nil {
		s.logger.Error("Failed to unregister session", "error", err, "user_id", userID)
		response.HandleError(w, err, s.logger)
		return
	}

	response.NoContent(w)
}

// handleRefreshSession pushes an immediate update to one session outside the
// broadcast cycle.
func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		response.BadRequest(w, "User ID is required", s.logger)
		return
	}

	if err := s.broadcaster.UpdateSession(ctx, userID); err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, map[string]string{"user_id": userID}, s.logger)
}
