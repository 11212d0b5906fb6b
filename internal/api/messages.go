package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/go-chi/chi/v5"
)

type sendMessageRequest struct {
	Body string `json:"body"`
}

// guestOwns rejects guests reading other guests' sessions. A missing session
// is reported as NotFound.
func (h *Handler) guestOwns(w http.ResponseWriter, r *http.Request, actor domain.Actor, sessionID string) bool {
	if actor.Party != domain.PartyGuest {
		return true
	}
	sess, err := h.svc.GetSession(r.Context(), sessionID)
	if err != nil {
		WriteError(w, r, err)
		return false
	}
	if sess.Guest.UserID != actor.ID {
		WriteError(w, r, domain.NotFound("session", sessionID))
		return false
	}
	return true
}

// ListMessages returns the newest ?limit= messages in ascending order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if !h.guestOwns(w, r, actor, sessionID) {
		return
	}

	limit := h.historySize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, r, domain.NewError(domain.CodeInvalidInput, "limit must be an integer"))
			return
		}
		limit = n
	}

	msgs, err := h.svc.ListMessages(r.Context(), sessionID, limit, readMode(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// SendMessage posts a message as the caller.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if h.sendLimiter != nil && !h.sendLimiter.Allow(string(actor.Party)+":"+actor.ID) {
		JSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Code: domain.CodeTransientIO})
		return
	}

	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	msg, err := h.svc.Send(r.Context(), chi.URLParam(r, "sessionID"), actor.Sender(), req.Body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// MarkRead marks the other party's messages as read by the caller.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	n, err := h.svc.MarkRead(r.Context(), actor, chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"marked": n})
}

// CountUnread returns how many messages the caller has not read.
func (h *Handler) CountUnread(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if !h.guestOwns(w, r, actor, sessionID) {
		return
	}

	n, err := h.svc.CountUnread(r.Context(), sessionID, actor.Party)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"unread": n})
}
