package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/odin-rt/notifier/internal/auth"
	"github.com/odin-rt/notifier/internal/types"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// requireUser pulls the verified identity the auth middleware stored. The
// middleware guards every API route, so a miss is a wiring bug, not a
// client error.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return claims.UserID, true
}

// GET /api/notifications?limit=&offset=&unread=
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := parseIntParam(q.Get("offset"), 0)
	unreadOnly := q.Get("unread") == "true"

	notifications, err := s.store.ListNotifications(r.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list notifications")
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"limit":         limit,
		"offset":        offset,
	})
}

// GET /api/notifications/unread-count
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	count, err := s.store.CountUnread(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to count unread")
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

// POST /api/notifications/{id}/read
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	id := r.PathValue("id")
	if err := s.store.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Str("id", id).Msg("Failed to mark read")
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// POST /api/notifications/read-all
func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	count, err := s.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to mark all read")
		writeError(w, http.StatusInternalServerError, "failed to mark all read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": count})
}

// DELETE /api/notifications/{id}
func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	id := r.PathValue("id")
	if err := s.store.DeleteNotification(r.Context(), userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Str("id", id).Msg("Failed to delete notification")
		writeError(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /api/preferences
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	prefs, err := s.store.GetPreferences(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read preferences")
		writeError(w, http.StatusInternalServerError, "failed to read preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// PUT /api/preferences/{category}
func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.admission.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	category := r.PathValue("category")
	if !slices.Contains(types.AllCategories(), category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := s.store.SetPreference(r.Context(), userID, category, body.Enabled); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("category", category).Msg("Failed to set preference")
		writeError(w, http.StatusInternalServerError, "failed to set preference")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "enabled": body.Enabled})
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
