//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/supportdesk/internal/coordination"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/message"
	"github.com/ashureev/supportdesk/internal/presence"
	"github.com/ashureev/supportdesk/internal/session"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.Code]int{
		domain.CodeInvalidInput:      http.StatusBadRequest,
		domain.CodeForbidden:         http.StatusForbidden,
		domain.CodeNotFound:          http.StatusNotFound,
		domain.CodeInvalidTransition: http.StatusConflict,
		domain.CodeSessionClosed:     http.StatusConflict,
		domain.CodeTransientIO:       http.StatusServiceUnavailable,
		domain.CodeUnknown:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteErrorWrapped(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	err := fmt.Errorf("list sessions: %w", domain.WrapError(domain.CodeTransientIO, "query sessions", errors.New("database is locked")))

	WriteError(w, r, err)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var body ErrorResponse
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Code != domain.CodeTransientIO {
		t.Fatalf("code = %s", body.Code)
	}
}

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T, sendPerMinute int) *testServer {
	t.Helper()
	repo := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := coordination.NewService(
		session.NewRegistry(repo, logger),
		message.NewLog(repo, logger, 0),
		presence.NewStore(repo, logger),
		logger,
	)

	var limiter *RateLimiter
	if sendPerMinute > 0 {
		limiter = NewRateLimiter(sendPerMinute)
		t.Cleanup(limiter.Stop)
	}

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	NewHealthHandler(repo, 0).RegisterHealth(r)
	NewHandler(svc, limiter, 0).RegisterRoutes(r)
	return &testServer{t: t, router: r}
}

type caller map[string]string

var (
	asAlice   = caller{identity.GuestIDHeader: "alice", identity.GuestNameHeader: "Alice"}
	asMallory = caller{identity.GuestIDHeader: "mallory"}
	asBob     = caller{identity.AgentIDHeader: "bob", identity.AgentNameHeader: "Bob"}
	asCarol   = caller{identity.AgentIDHeader: "carol"}
	asAdmin   = caller{identity.AgentIDHeader: "root", identity.AgentRoleHeader: "admin"}
)

func (s *testServer) do(method, path string, who caller, body any, extra ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range who {
		req.Header.Set(k, v)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		req.Header.Set(extra[i], extra[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

func (s *testServer) openChat() domain.Session {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/sessions", asAlice, map[string]string{"email": "alice@example.com"})
	expectStatus(s.t, rec, http.StatusCreated)
	return decodeInto[domain.Session](s.t, rec)
}

func TestChatFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, 0)
	sess := s.openChat()
	if sess.Status != domain.SessionWaiting || sess.Guest.Name != "Alice" {
		t.Fatalf("session = %+v", sess)
	}
	base := "/api/sessions/" + sess.ID

	rec := s.do(http.MethodGet, "/api/sessions?status=waiting", asBob, nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeInto[struct{ Sessions []domain.Session }](t, rec)
	if len(list.Sessions) != 1 {
		t.Fatalf("waiting sessions = %d", len(list.Sessions))
	}

	expectStatus(t, s.do(http.MethodPost, base+"/assign", asBob, nil), http.StatusOK)
	rec = s.do(http.MethodPost, base+"/assign", asCarol, nil)
	expectStatus(t, rec, http.StatusConflict)
	if decodeInto[ErrorResponse](t, rec).Code != domain.CodeInvalidTransition {
		t.Fatal("second assign should report INVALID_TRANSITION")
	}

	expectStatus(t, s.do(http.MethodPost, base+"/messages", asAlice, map[string]string{"body": "my order is late"}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, base+"/messages", asBob, map[string]string{"body": "let me check"}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, base+"/messages", asCarol, map[string]string{"body": "hi"}), http.StatusForbidden)

	rec = s.do(http.MethodGet, base+"/unread", asBob, nil)
	expectStatus(t, rec, http.StatusOK)
	if n := decodeInto[struct{ Unread int }](t, rec).Unread; n != 1 {
		t.Fatalf("bob unread = %d", n)
	}
	expectStatus(t, s.do(http.MethodPost, base+"/read", asBob, nil), http.StatusOK)

	rec = s.do(http.MethodGet, base+"/messages?limit=1", asAlice, nil, BackgroundHeader, "1")
	expectStatus(t, rec, http.StatusOK)
	msgs := decodeInto[struct{ Messages []domain.Message }](t, rec).Messages
	if len(msgs) != 1 || msgs[0].Body != "let me check" {
		t.Fatalf("messages = %+v", msgs)
	}

	expectStatus(t, s.do(http.MethodPost, base+"/close", asBob, nil), http.StatusOK)
	rec = s.do(http.MethodPost, base+"/messages", asBob, map[string]string{"body": "are you there"})
	expectStatus(t, rec, http.StatusConflict)
	if decodeInto[ErrorResponse](t, rec).Code != domain.CodeSessionClosed {
		t.Fatal("send after close should report SESSION_CLOSED")
	}
}

func TestGuestIsolation(t *testing.T) {
	s := newTestServer(t, 0)
	sess := s.openChat()
	base := "/api/sessions/" + sess.ID

	expectStatus(t, s.do(http.MethodGet, base, asMallory, nil), http.StatusNotFound)
	expectStatus(t, s.do(http.MethodGet, base+"/messages", asMallory, nil), http.StatusNotFound)
	expectStatus(t, s.do(http.MethodGet, "/api/sessions", asMallory, nil), http.StatusForbidden)
	expectStatus(t, s.do(http.MethodGet, base, nil, nil), http.StatusUnauthorized)
	expectStatus(t, s.do(http.MethodPost, "/api/sessions", asBob, map[string]string{"email": "b@example.com"}), http.StatusForbidden)
}

func TestBulkDeleteRequiresConfirmationAndAdmin(t *testing.T) {
	s := newTestServer(t, 0)
	for i := 0; i < 5; i++ {
		sess := s.openChat()
		if i < 3 {
			expectStatus(t, s.do(http.MethodPost, "/api/sessions/"+sess.ID+"/close", asBob, nil), http.StatusOK)
		}
	}

	expectStatus(t, s.do(http.MethodDelete, "/api/sessions?scope=closed", asAdmin, nil), http.StatusBadRequest)
	expectStatus(t, s.do(http.MethodDelete, "/api/sessions?scope=closed", asBob, nil, ConfirmHeader, "yes"), http.StatusForbidden)
	expectStatus(t, s.do(http.MethodDelete, "/api/sessions?scope=some", asAdmin, nil, ConfirmHeader, "yes"), http.StatusBadRequest)

	rec := s.do(http.MethodDelete, "/api/sessions?scope=closed", asAdmin, nil, ConfirmHeader, "yes")
	expectStatus(t, rec, http.StatusOK)
	if n := decodeInto[struct{ Deleted int64 }](t, rec).Deleted; n != 3 {
		t.Fatalf("deleted = %d, want 3", n)
	}

	rec = s.do(http.MethodDelete, "/api/sessions?scope=all", asAdmin, nil, ConfirmHeader, "yes")
	expectStatus(t, rec, http.StatusOK)
	if n := decodeInto[struct{ Deleted int64 }](t, rec).Deleted; n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
}

func TestPresenceRoutes(t *testing.T) {
	s := newTestServer(t, 0)

	rec := s.do(http.MethodGet, "/api/agents/bob/presence", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decodeInto[domain.AgentPresence](t, rec); p.Status != domain.PresenceOffline {
		t.Fatalf("default presence = %s", p.Status)
	}

	expectStatus(t, s.do(http.MethodPut, "/api/agents/bob/presence", asCarol, map[string]string{"status": "online"}), http.StatusForbidden)
	expectStatus(t, s.do(http.MethodPut, "/api/agents/bob/presence", asBob, map[string]string{"status": "away"}), http.StatusBadRequest)
	expectStatus(t, s.do(http.MethodPut, "/api/agents/bob/presence", asBob, map[string]string{"status": "online"}), http.StatusOK)

	rec = s.do(http.MethodGet, "/api/agents/online", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if ids := decodeInto[struct{ Agents []string }](t, rec).Agents; len(ids) != 1 || ids[0] != "bob" {
		t.Fatalf("online = %v", ids)
	}

	rec = s.do(http.MethodPost, "/api/agents/bob/presence/cycle", asAdmin, nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decodeInto[domain.AgentPresence](t, rec); p.Status != domain.PresenceBusy {
		t.Fatalf("after cycle = %s, want busy", p.Status)
	}
}

func TestSendRateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	sess := s.openChat()
	path := "/api/sessions/" + sess.ID + "/messages"

	expectStatus(t, s.do(http.MethodPost, path, asAlice, map[string]string{"body": "one"}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, path, asAlice, map[string]string{"body": "two"}), http.StatusCreated)
	rec := s.do(http.MethodPost, path, asAlice, map[string]string{"body": "three"})
	expectStatus(t, rec, http.StatusTooManyRequests)
	if body := decodeInto[ErrorResponse](t, rec); body.Code != domain.CodeTransientIO || body.Error == "" {
		t.Fatalf("rate limit body = %+v", body)
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, 0)
	sess := s.openChat()
	rec := s.do(http.MethodPost, "/api/sessions/"+sess.ID+"/messages", asAlice, map[string]string{"text": "hi"})
	expectStatus(t, rec, http.StatusBadRequest)
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) Ping(_ context.Context) error { return errors.New("disk gone") }

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)
	expectStatus(t, s.do(http.MethodGet, "/health", nil, nil), http.StatusOK)

	r := chi.NewRouter()
	NewHealthHandler(failingRepo{store.NewMemory()}, 0).RegisterHealth(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusServiceUnavailable)
}
