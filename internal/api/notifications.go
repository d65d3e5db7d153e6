package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/notify"
)

// NotificationHandler provides HTTP endpoints for the notification store.
type NotificationHandler struct {
	store   *notify.Store
	alerter *engine.Alerter
}

// NewNotificationHandler creates the notification HTTP handler. alerter may be nil,
// in which case the mute endpoint is not registered.
func NewNotificationHandler(store *notify.Store, alerter *engine.Alerter) *NotificationHandler {
	return &NotificationHandler{store: store, alerter: alerter}
}

// RegisterRoutes registers notification routes on the given router.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/unread-count", h.UnreadCount)
		r.Post("/read-all", h.MarkAllRead)
		r.Post("/{id}/read", h.MarkRead)
		r.Delete("/", h.Clear)
		if h.alerter != nil {
			r.Get("/mute", h.MuteStatus)
			r.Put("/mute", h.SetMute)
		}
	})
}

// List returns notifications newest first, optionally filtered by
// ?machine_id= and ?unread=true.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	notes, ok := h.selected(w, r)
	if !ok {
		return
	}
	if unread, _ := strconv.ParseBool(r.URL.Query().Get("unread")); unread {
		filtered := make([]models.Notification, 0, len(notes))
		for _, n := range notes {
			if !n.Read {
				filtered = append(filtered, n)
			}
		}
		notes = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

// UnreadCount returns the number of unread notifications.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	notes, ok := h.selected(w, r)
	if !ok {
		return
	}
	unread := 0
	for _, n := range notes {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": unread})
}

func (h *NotificationHandler) selected(w http.ResponseWriter, r *http.Request) ([]models.Notification, bool) {
	raw := r.URL.Query().Get("machine_id")
	if raw == "" {
		return h.store.Snapshot(), true
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid machine_id")
		return nil, false
	}
	return h.store.ForMachine(id), true
}

// MarkRead marks one notification read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.store.MarkRead(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeMessage(w, http.StatusNotFound, "notification not found")
}

// MarkAllRead marks every notification read.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"updated": h.store.MarkAllRead()})
}

// Clear empties the store.
func (h *NotificationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type muteState struct {
	Muted bool `json:"muted"`
}

// MuteStatus reports whether alert announcements are muted.
func (h *NotificationHandler) MuteStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, muteState{Muted: h.alerter.Muted()})
}

// SetMute toggles alert announcements.
func (h *NotificationHandler) SetMute(w http.ResponseWriter, r *http.Request) {
	var body muteState
	if err := decodeBody(w, r, &body); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	h.alerter.SetMuted(body.Muted)
	writeJSON(w, http.StatusOK, muteState{Muted: h.alerter.Muted()})
}
