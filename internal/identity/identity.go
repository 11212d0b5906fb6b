// Package identity turns the identity headers set by the upstream gateway
// into an Actor on the request context.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/supportdesk/internal/domain"
)

const (
	AgentIDHeader   = "X-Agent-ID"
	AgentNameHeader = "X-Agent-Name"
	AgentRoleHeader = "X-Agent-Role"
	GuestIDHeader   = "X-Guest-ID"
	GuestNameHeader = "X-Guest-Name"
	ViewHeaderName  = "X-Dashboard-View-ID"

	DefaultViewID = "default"
)

type contextKey int

const (
	actorKey contextKey = iota
	viewIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// ActorFromContext returns the caller, if the request carried identity headers.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey).(domain.Actor)
	return a, ok
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ViewIDFromContext returns the dashboard view (browser tab) id.
func ViewIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewIDKey).(string); ok {
		return v
	}
	return DefaultViewID
}

func sanitizeViewID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return DefaultViewID
	}
	return id
}

func viewIDFromRequest(r *http.Request) string {
	vid := r.Header.Get(ViewHeaderName)
	if vid == "" {
		vid = r.URL.Query().Get("view_id")
	}
	return sanitizeViewID(vid)
}

// actorFromRequest reads the identity headers. Agent headers take
// precedence over guest headers.
func actorFromRequest(r *http.Request) (domain.Actor, bool, error) {
	if id := strings.TrimSpace(r.Header.Get(AgentIDHeader)); id != "" {
		if !idPattern.MatchString(id) {
			return domain.Actor{}, false, domain.NewError(domain.CodeInvalidInput, "malformed agent id")
		}
		role := domain.RoleAgent
		if strings.EqualFold(r.Header.Get(AgentRoleHeader), string(domain.RoleAdmin)) {
			role = domain.RoleAdmin
		}
		return domain.Actor{
			ID:    id,
			Name:  displayName(r.Header.Get(AgentNameHeader), id),
			Party: domain.PartyAgent,
			Role:  role,
		}, true, nil
	}

	if id := strings.TrimSpace(r.Header.Get(GuestIDHeader)); id != "" {
		if !idPattern.MatchString(id) {
			return domain.Actor{}, false, domain.NewError(domain.CodeInvalidInput, "malformed guest id")
		}
		return domain.Actor{
			ID:    id,
			Name:  displayName(r.Header.Get(GuestNameHeader), id),
			Party: domain.PartyGuest,
		}, true, nil
	}

	return domain.Actor{}, false, nil
}

func displayName(raw, fallback string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return fallback
	}
	return name
}

// Middleware injects the caller identity and dashboard view id. Requests
// without identity headers pass through anonymously; malformed headers are
// rejected.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok, err := actorFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"malformed identity header","code":"INVALID_INPUT"}`, http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), viewIDKey, viewIDFromRequest(r))
			if ok {
				ctx = WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
