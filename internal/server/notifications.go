package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/nexus-realtime/internal/notification"
	"github.com/Tyrowin/nexus-realtime/internal/realtime"
)

const maxNotificationBody = 64 * 1024

// DispatchNotification is the ingress used by the services that produce
// notifications. It stores the record and pushes it to the target user's
// live connections.
func (h *Handler) DispatchNotification(w http.ResponseWriter, r *http.Request) {
	if h.cfg.IngressToken == "" {
		h.Error(w, http.StatusNotFound, "notification ingress is disabled")
		return
	}
	token := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.IngressToken)) != 1 {
		h.Error(w, http.StatusUnauthorized, "invalid ingress token")
		return
	}

	var n notification.Notification
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBody))
	if err := dec.Decode(&n); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pushed, err := h.hub.Dispatcher().Dispatch(r.Context(), &n)
	switch {
	case errors.Is(err, realtime.ErrInvalidNotification):
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, realtime.ErrStoreWrite):
		h.Error(w, http.StatusBadGateway, "notification could not be stored")
		return
	case err != nil:
		h.Error(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	h.JSON(w, http.StatusCreated, DispatchResponse{ID: n.ID, Pushed: pushed})
}

// ListUnread returns the caller's unread notifications, newest first.
func (h *Handler) ListUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	unread, err := h.store.ListUnread(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		h.Error(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if unread == nil {
		unread = []notification.Notification{}
	}

	h.JSON(w, http.StatusOK, UnreadResponse{Unread: unread, Count: len(unread)})
}

// MarkRead flags one of the caller's notifications as read. Notifications of
// other users are reported as not found.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	n, err := h.store.Get(r.Context(), id)
	if errors.Is(err, notification.ErrNotFound) || (err == nil && n.TargetUserID != userID) {
		h.Error(w, http.StatusNotFound, "notification not found")
		return
	}
	if err == nil {
		err = h.store.MarkRead(r.Context(), id)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("notification_id", id).Msg("failed to mark notification read")
		h.Error(w, http.StatusInternalServerError, "failed to update notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED")
		return "", false
	}
	return userID, true
}
