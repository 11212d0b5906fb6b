package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ListSessions returns sessions, optionally filtered by ?status=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAgent(w, r); !ok {
		return
	}

	filter := domain.SessionFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseSessionStatus(raw)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		filter = domain.StatusFilter(status)
	}

	sessions, err := h.svc.ListSessions(r.Context(), filter, readMode(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// CreateSession opens a chat for the calling guest.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if actor.Party != domain.PartyGuest {
		WriteError(w, r, domain.NewError(domain.CodeForbidden, "only guests open chats"))
		return
	}

	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	name := req.Name
	if name == "" {
		name = actor.Name
	}

	sess, err := h.svc.CreateSession(r.Context(), domain.GuestIdentity{
		UserID: actor.ID,
		Name:   name,
		Email:  req.Email,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// GetSession returns one session. Guests only see their own.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if actor.Party == domain.PartyGuest && sess.Guest.UserID != actor.ID {
		WriteError(w, r, domain.NotFound("session", sess.ID))
		return
	}
	JSON(w, http.StatusOK, sess)
}

// AssignSession lets the calling agent take a waiting chat.
func (h *Handler) AssignSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAgent(w, r)
	if !ok {
		return
	}

	sess, err := h.svc.TakeChat(r.Context(), actor, chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// CloseSession ends a chat.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	sess, err := h.svc.CloseSession(r.Context(), actor, chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession hard-deletes one session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAgent(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteSession(r.Context(), actor, chi.URLParam(r, "sessionID")); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkDeleteSessions removes closed (scope=closed) or all (scope=all)
// sessions. The client must confirm with the X-Confirm: yes header.
func (h *Handler) BulkDeleteSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAgent(w, r)
	if !ok {
		return
	}
	if r.Header.Get(ConfirmHeader) != "yes" {
		WriteError(w, r, domain.NewError(domain.CodeInvalidInput, "bulk delete must be confirmed with "+ConfirmHeader+": yes"))
		return
	}

	var (
		n   int64
		err error
	)
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "closed":
		n, err = h.svc.DeleteAllClosed(r.Context(), actor)
	case "all":
		n, err = h.svc.DeleteAll(r.Context(), actor)
	default:
		err = domain.NewError(domain.CodeInvalidInput, "scope must be closed or all")
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}

	slog.Info("Bulk delete completed", "scope", scope, "count", n, "actor_id", actor.ID)
	JSON(w, http.StatusOK, map[string]interface{}{"deleted": n, "scope": scope})
}
