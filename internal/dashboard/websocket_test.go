package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/coordination"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/message"
	"github.com/ashureev/supportdesk/internal/presence"
	"github.com/ashureev/supportdesk/internal/session"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// rawFrame keeps Data undecoded so each test can pick its payload type.
type rawFrame struct {
	Type       string          `json:"type"`
	Background bool            `json:"background"`
	SessionID  string          `json:"session_id"`
	Data       json.RawMessage `json:"data"`
	Code       domain.Code     `json:"code"`
}

type dashFixture struct {
	svc   *coordination.Service
	views *ViewManager
	url   string
}

func newDashFixture(t *testing.T) *dashFixture {
	t.Helper()
	repo := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := coordination.NewService(
		session.NewRegistry(repo, logger),
		message.NewLog(repo, logger, 0),
		presence.NewStore(repo, logger),
		logger,
	)
	views := NewViewManager()
	svc.SetNotifier(views)

	// Long intervals: every frame after the first load comes from a nudge.
	h := NewHandler(svc, views, Config{
		SessionInterval:  time.Hour,
		MessageInterval:  time.Hour,
		PresenceInterval: time.Hour,
		IsDev:            true,
	}, logger)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	r.Get("/ws/dashboard", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &dashFixture{svc: svc, views: views, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/dashboard"}
}

func (f *dashFixture) dial(t *testing.T, agentID, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.url+query, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.AgentIDHeader: []string{agentID}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) rawFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var fr rawFrame
	if err := wsjson.Read(ctx, conn, &fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) rawFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		fr := readFrame(t, conn)
		if fr.Type == typ {
			return fr
		}
	}
	t.Fatalf("no %s frame", typ)
	return rawFrame{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, fr ClientFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, fr); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitForViews(t *testing.T, vm *ViewManager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for vm.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("views = %d, want %d", vm.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDashboardRejectsGuests(t *testing.T) {
	f := newDashFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.GuestIDHeader: []string{"alice"}},
	})
	if err == nil {
		t.Fatal("guest dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v", resp)
	}
}

func TestDashboardInitialLoadAndNudge(t *testing.T) {
	f := newDashFixture(t)
	conn := f.dial(t, "bob", "")
	waitForViews(t, f.views, 1)

	first := readUntil(t, conn, FrameSessions)
	if first.Background {
		t.Fatal("first sessions frame must be an initial load")
	}

	sess, err := f.svc.CreateSession(context.Background(), domain.GuestIdentity{
		UserID: "alice", Name: "Alice", Email: "alice@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The nudge from CreateSession is dropped if the initial load is still
	// in flight, so keep nudging until the new session shows up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.views.Changed(coordination.TopicSessions, "")
			}
		}
	}()

	var list []domain.Session
	for i := 0; i < 20; i++ {
		fr := readUntil(t, conn, FrameSessions)
		if err := json.Unmarshal(fr.Data, &list); err != nil {
			t.Fatal(err)
		}
		if len(list) == 1 {
			break
		}
	}
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("sessions after nudge = %+v", list)
	}
}

func TestDashboardOpenSessionMarksRead(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()
	bob := domain.Actor{ID: "bob", Party: domain.PartyAgent, Role: domain.RoleAgent}
	alice := domain.Sender{Party: domain.PartyGuest, ID: "alice", Name: "Alice"}

	sess, _ := f.svc.CreateSession(ctx, domain.GuestIdentity{UserID: "alice", Name: "Alice", Email: "alice@example.com"})
	if _, err := f.svc.TakeChat(ctx, bob, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Send(ctx, sess.ID, alice, "help please"); err != nil {
		t.Fatal(err)
	}

	conn := f.dial(t, "bob", "?paused=1")
	waitForViews(t, f.views, 1)
	writeFrame(t, conn, ClientFrame{Type: FrameOpen, SessionID: sess.ID})
	writeFrame(t, conn, ClientFrame{Type: FrameActivate})

	fr := readUntil(t, conn, FrameMessages)
	if fr.SessionID != sess.ID || fr.Background {
		t.Fatalf("messages frame = %+v", fr)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(fr.Data, &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %v, %v", msgs, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := f.svc.CountUnread(ctx, sess.ID, domain.PartyAgent)
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent unread still %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDashboardDeactivateStopsUpdates(t *testing.T) {
	f := newDashFixture(t)
	conn := f.dial(t, "bob", "")
	waitForViews(t, f.views, 1)
	readUntil(t, conn, FrameSessions)
	readUntil(t, conn, FramePresence)

	writeFrame(t, conn, ClientFrame{Type: FrameDeactivate})
	writeFrame(t, conn, ClientFrame{Type: FramePing})
	readUntil(t, conn, FramePong)

	_, err := f.svc.CreateSession(context.Background(), domain.GuestIdentity{
		UserID: "alice", Name: "Alice", Email: "alice@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	writeFrame(t, conn, ClientFrame{Type: FramePing})
	if fr := readFrame(t, conn); fr.Type != FramePong {
		t.Fatalf("deactivated view received %s frame", fr.Type)
	}

	writeFrame(t, conn, ClientFrame{Type: FrameActivate})
	fr := readUntil(t, conn, FrameSessions)
	if fr.Background {
		t.Fatal("reactivation must start with an initial load")
	}
}

func TestDashboardPausedUntilActivated(t *testing.T) {
	f := newDashFixture(t)
	conn := f.dial(t, "bob", "?paused=1")
	waitForViews(t, f.views, 1)

	writeFrame(t, conn, ClientFrame{Type: FramePing})
	if fr := readFrame(t, conn); fr.Type != FramePong {
		t.Fatalf("paused view received %s frame", fr.Type)
	}

	writeFrame(t, conn, ClientFrame{Type: "bogus"})
	if fr := readFrame(t, conn); fr.Type != FrameError || fr.Code != domain.CodeInvalidInput {
		t.Fatalf("unknown frame reply = %+v", fr)
	}
}

func TestDashboardReplacedViewIsClosed(t *testing.T) {
	f := newDashFixture(t)
	first := f.dial(t, "bob", "?view_id=tab-1&paused=1")
	waitForViews(t, f.views, 1)
	_ = f.dial(t, "bob", "?view_id=tab-1&paused=1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var fr rawFrame
	err := wsjson.Read(ctx, first, &fr)
	if err == nil {
		t.Fatalf("replaced view still open, got %+v", fr)
	}
	waitForViews(t, f.views, 1)
}
