package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/supportdesk/internal/coordination"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/poll"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Frame types sent to the browser.
const (
	FrameSessions = "sessions"
	FrameMessages = "messages"
	FramePresence = "presence"
	FrameError    = "error"
	FramePong     = "pong"
)

// Frame types sent by the browser.
const (
	FrameActivate   = "activate"
	FrameDeactivate = "deactivate"
	FrameOpen       = "open"
	FramePing       = "ping"
)

// Config holds the refresh intervals for a dashboard view.
type Config struct {
	SessionInterval  time.Duration
	MessageInterval  time.Duration
	PresenceInterval time.Duration
	HistoryLimit     int
	AllowedOrigin    string
	IsDev            bool
}

// ClientFrame is a control message from the browser.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerFrame is a data or status message to the browser.
type ServerFrame struct {
	Type       string      `json:"type"`
	Background bool        `json:"background,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	Data       any         `json:"data,omitempty"`
	Task       string      `json:"task,omitempty"`
	Code       domain.Code `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// PresenceData is the payload of a presence frame.
type PresenceData struct {
	Self   *domain.AgentPresence `json:"self"`
	Online []string              `json:"online"`
}

// Handler upgrades dashboard connections and runs one poll.Scheduler per view.
type Handler struct {
	svc    *coordination.Service
	views  *ViewManager
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a dashboard WebSocket handler.
func NewHandler(svc *coordination.Service, views *ViewManager, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, views: views, cfg: cfg, logger: logger}
}

// feed is the server side of one connected view.
type feed struct {
	h      *Handler
	ws     *websocket.Conn
	actor  domain.Actor
	view   *View
	ctx    context.Context
	logger *slog.Logger

	closeReason atomic.Value // string
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok || !actor.IsAgent() {
		http.Error(w, `{"error":"agents only","code":"FORBIDDEN"}`, http.StatusForbidden)
		return
	}
	viewID := identity.ViewIDFromContext(r.Context())
	logger := h.logger.With("agent_id", actor.ID, "view_id", viewID)
	logger.Info("Dashboard connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	f := &feed{h: h, ws: ws, actor: actor, ctx: ctx, logger: logger}
	f.closeReason.Store("view closed")
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, f.closeReason.Load().(string)); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sched := poll.NewScheduler(logger, poll.WithErrorHandler(f.reportError))
	f.view = NewView(actor.ID, viewID, sched, func(reason string) {
		f.closeReason.Store(reason)
		cancel()
	})
	if err := f.registerTasks(sched); err != nil {
		logger.Error("Failed to register dashboard tasks", "error", err)
		return
	}

	h.views.Register(f.view)
	defer h.views.Unregister(f.view)
	defer sched.Deactivate()

	if r.URL.Query().Get("paused") != "1" {
		sched.Activate(ctx)
	}

	f.readLoop(sched)
	logger.Info("Dashboard connection ended")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (f *feed) registerTasks(sched *poll.Scheduler) error {
	tasks := []poll.Task{
		{Name: string(coordination.TopicSessions), Period: f.h.cfg.SessionInterval, Run: f.loadSessions},
		{Name: string(coordination.TopicMessages), Period: f.h.cfg.MessageInterval, Run: f.loadMessages},
		{Name: string(coordination.TopicPresence), Period: f.h.cfg.PresenceInterval, Run: f.loadPresence},
	}
	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (f *feed) readLoop(sched *poll.Scheduler) {
	for {
		var msg ClientFrame
		if err := wsjson.Read(f.ctx, f.ws, &msg); err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				f.logger.Debug("WebSocket closed by client")
			case f.ctx.Err() != nil:
				f.logger.Debug("Dashboard view cancelled", "reason", f.closeReason.Load())
			default:
				f.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case FrameActivate:
			sched.Activate(f.ctx)
		case FrameDeactivate:
			sched.Deactivate()
		case FrameOpen:
			f.view.SetOpenSession(msg.SessionID)
			if err := sched.Reload(string(coordination.TopicMessages)); err != nil {
				f.logger.Debug("Message reload failed", "error", err)
			}
		case FramePing:
			f.send(f.ctx, ServerFrame{Type: FramePong})
		default:
			f.send(f.ctx, ServerFrame{
				Type:  FrameError,
				Code:  domain.CodeInvalidInput,
				Error: "unknown frame type " + msg.Type,
			})
		}
	}
}

func (f *feed) send(ctx context.Context, frame ServerFrame) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, f.ws, frame); err != nil {
		if ctx.Err() == nil {
			f.logger.Debug("WebSocket write error", "type", frame.Type, "error", err)
		}
	}
}

// reportError surfaces initial-load failures to the user. Background
// failures keep the last rendered data and are only logged.
func (f *feed) reportError(task string, err error, background bool) {
	if background {
		f.logger.Debug("Background refresh failed", "task", task, "error", err)
		return
	}
	f.logger.Warn("Dashboard load failed", "task", task, "error", err)
	f.send(f.ctx, ServerFrame{
		Type:  FrameError,
		Task:  task,
		Code:  domain.CodeOf(err),
		Error: err.Error(),
	})
}

func (f *feed) loadSessions(ctx context.Context, background bool) error {
	list, err := f.h.svc.ListSessions(ctx, domain.SessionFilter{}, coordination.ModeFor(background))
	if err != nil {
		return err
	}
	f.send(ctx, ServerFrame{Type: FrameSessions, Background: background, Data: list})
	return nil
}

func (f *feed) loadMessages(ctx context.Context, background bool) error {
	sessionID := f.view.OpenSession()
	if sessionID == "" {
		return nil
	}
	mode := coordination.ModeFor(background)

	msgs, err := f.h.svc.ListMessages(ctx, sessionID, f.h.cfg.HistoryLimit, mode)
	if err != nil {
		return err
	}
	f.send(ctx, ServerFrame{Type: FrameMessages, Background: background, SessionID: sessionID, Data: msgs})

	return f.markReadIfAssigned(ctx, sessionID)
}

// markReadIfAssigned clears the agent unread count when the viewing agent
// owns the open chat.
func (f *feed) markReadIfAssigned(ctx context.Context, sessionID string) error {
	unread, err := f.h.svc.CountUnread(ctx, sessionID, domain.PartyAgent)
	if err != nil || unread == 0 {
		return err
	}
	sess, err := f.h.svc.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.AssignedTo(f.actor.ID) {
		return nil
	}
	_, err = f.h.svc.MarkRead(ctx, f.actor, sessionID)
	return err
}

func (f *feed) loadPresence(ctx context.Context, background bool) error {
	mode := coordination.ModeFor(background)

	self, err := f.h.svc.GetPresence(ctx, f.actor.ID, mode)
	if err != nil {
		return err
	}
	online, err := f.h.svc.ListOnline(ctx, mode)
	if err != nil {
		return err
	}
	f.send(ctx, ServerFrame{Type: FramePresence, Background: background, Data: PresenceData{Self: self, Online: online}})
	return nil
}
