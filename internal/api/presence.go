package api

import (
	"net/http"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/go-chi/chi/v5"
)

type setPresenceRequest struct {
	Status string `json:"status"`
}

// ListOnline returns the ids of online agents.
func (h *Handler) ListOnline(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.ListOnline(r.Context(), readMode(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"agents": ids})
}

// GetPresence returns one agent's presence.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPresence(r.Context(), chi.URLParam(r, "agentID"), readMode(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}

// SetPresence sets an agent's presence to the given status.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAgent(w, r)
	if !ok {
		return
	}

	var req setPresenceRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	status, err := domain.ParsePresenceStatus(req.Status)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	p, err := h.svc.SetPresence(r.Context(), actor, chi.URLParam(r, "agentID"), status)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}

// CyclePresence moves an agent to the next presence status.
func (h *Handler) CyclePresence(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAgent(w, r)
	if !ok {
		return
	}

	p, err := h.svc.CyclePresence(r.Context(), actor, chi.URLParam(r, "agentID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, p)
}
