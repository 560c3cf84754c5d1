package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/middleware"
	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/internal/store"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

// SessionAdmin reads and expires sessions.
type SessionAdmin interface {
	Get(ctx context.Context, userID string) (*model.ConversationSession, bool, error)
	Expire(ctx context.Context, userID string) error
}

// SessionHandler handles session admin endpoints.
type SessionHandler struct {
	sessions SessionAdmin
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions SessionAdmin, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Get handles GET /api/v1/sessions/{userID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	sess, stale, err := h.sessions.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		h.logger.Error("failed to get session", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to get session")
		return
	}

	writeJSON(w, http.StatusOK, &model.SessionResponse{Session: sess, Expired: stale})
}

// Expire handles DELETE /api/v1/sessions/{userID}
func (h *SessionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	if err := h.sessions.Expire(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		h.logger.Error("failed to expire session", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to expire session")
		return
	}

	h.logger.Info("session expired",
		zap.String("user_id", userID),
		zap.String("subject", middleware.GetSubject(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}
