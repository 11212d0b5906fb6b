// Package api provides HTTP handlers for the support desk API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/supportdesk/internal/coordination"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	// BackgroundHeader marks a read as a scheduled poll rather than a user action.
	BackgroundHeader = "X-Background-Refresh"
	// ConfirmHeader must be "yes" on bulk deletes.
	ConfirmHeader = "X-Confirm"

	maxBodyBytes = 64 << 10
)

// Handler serves the REST API on top of the coordination service.
type Handler struct {
	svc         *coordination.Service
	sendLimiter *RateLimiter
	historySize int
}

// NewHandler creates a new Handler. A nil limiter disables send throttling.
func NewHandler(svc *coordination.Service, sendLimiter *RateLimiter, historySize int) *Handler {
	return &Handler{
		svc:         svc,
		sendLimiter: sendLimiter,
		historySize: historySize,
	}
}

// RegisterRoutes registers the session, message and presence routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Delete("/", h.BulkDeleteSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/assign", h.AssignSession)
				r.Post("/close", h.CloseSession)
				r.Get("/messages", h.ListMessages)
				r.Post("/messages", h.SendMessage)
				r.Post("/read", h.MarkRead)
				r.Get("/unread", h.CountUnread)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/online", h.ListOnline)
			r.Get("/{agentID}/presence", h.GetPresence)
			r.Put("/{agentID}/presence", h.SetPresence)
			r.Post("/{agentID}/presence/cycle", h.CyclePresence)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   domain.Code       `json:"code"`
	Detail map[string]string `json:"detail,omitempty"`
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidTransition, domain.CodeSessionClosed:
		return http.StatusConflict
	case domain.CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err with the status matching its domain code. Errors
// without a code are logged and reported as internal.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		JSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: domain.CodeUnknown})
		return
	}

	status := StatusFor(de.Code)
	if status >= http.StatusInternalServerError {
		slog.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "code", de.Code, "error", err)
	}
	JSON(w, status, ErrorResponse{Error: de.Message, Code: de.Code, Detail: de.Detail})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

func readMode(r *http.Request) coordination.ReadMode {
	v := r.Header.Get(BackgroundHeader)
	bg, _ := strconv.ParseBool(v)
	return coordination.ModeFor(bg)
}

// requireActor returns the caller or writes 401.
func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		JSON(w, http.StatusUnauthorized, ErrorResponse{Error: "identity headers required", Code: domain.CodeForbidden})
		return domain.Actor{}, false
	}
	return actor, true
}

// requireAgent returns the calling agent or writes 401/403.
func requireAgent(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.IsAgent() {
		WriteError(w, r, domain.NewError(domain.CodeForbidden, "agents only"))
		return actor, false
	}
	return actor, true
}
