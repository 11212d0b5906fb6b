// Package dashboard serves the live agent dashboard feed over WebSocket.
package dashboard

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/supportdesk/internal/coordination"
)

// Refresher is the part of a poll.Scheduler a view needs.
type Refresher interface {
	Refresh(name string) error
}

// View is one open dashboard tab.
type View struct {
	AgentID string
	ViewID  string

	sched       Refresher
	closeFn     func(reason string)
	openSession atomic.Value // string
}

// NewView creates a view driven by sched. closeFn is called when the view
// is replaced or shut down by the server.
func NewView(agentID, viewID string, sched Refresher, closeFn func(reason string)) *View {
	v := &View{AgentID: agentID, ViewID: viewID, sched: sched, closeFn: closeFn}
	v.openSession.Store("")
	return v
}

// OpenSession returns the id of the chat the view has open, or "".
func (v *View) OpenSession() string {
	return v.openSession.Load().(string)
}

// SetOpenSession records which chat the view shows.
func (v *View) SetOpenSession(id string) {
	v.openSession.Store(id)
}

// nudge refreshes the task matching topic. Message changes only concern
// views showing that session.
func (v *View) nudge(topic coordination.Topic, sessionID string) {
	if topic == coordination.TopicMessages && sessionID != "" && sessionID != v.OpenSession() {
		return
	}
	if err := v.sched.Refresh(string(topic)); err != nil {
		slog.Debug("Dashboard refresh skipped", "view_id", v.ViewID, "topic", topic, "error", err)
	}
}

// ViewManager tracks open dashboard views per agent and fans change
// notifications out to them.
type ViewManager struct {
	mu    sync.RWMutex
	views map[string]map[string]*View
}

// NewViewManager creates an empty view manager.
func NewViewManager() *ViewManager {
	return &ViewManager{
		views: make(map[string]map[string]*View),
	}
}

// Get returns the registered view for an agent and view id.
func (m *ViewManager) Get(agentID, viewID string) *View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if views, ok := m.views[agentID]; ok {
		return views[viewID]
	}
	return nil
}

// Register adds a view, closing any previous view with the same id.
func (m *ViewManager) Register(v *View) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.views[v.AgentID]; !exists {
		m.views[v.AgentID] = make(map[string]*View)
	}

	if existing, exists := m.views[v.AgentID][v.ViewID]; exists && existing != v {
		existing.closeFn("view replaced")
	}

	m.views[v.AgentID][v.ViewID] = v
	slog.Info("Dashboard view registered", "agent_id", v.AgentID, "view_id", v.ViewID)
}

// Unregister removes v if it is still the registered view for its id.
func (m *ViewManager) Unregister(v *View) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if views, ok := m.views[v.AgentID]; ok {
		if current, exists := views[v.ViewID]; exists && current == v {
			delete(views, v.ViewID)
			if len(views) == 0 {
				delete(m.views, v.AgentID)
			}
			slog.Info("Dashboard view unregistered", "agent_id", v.AgentID, "view_id", v.ViewID)
		}
	}
}

// Count returns the number of open views.
func (m *ViewManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, views := range m.views {
		n += len(views)
	}
	return n
}

// Changed implements coordination.Notifier.
func (m *ViewManager) Changed(topic coordination.Topic, sessionID string) {
	m.mu.RLock()
	targets := make([]*View, 0, len(m.views))
	for _, views := range m.views {
		for _, v := range views {
			targets = append(targets, v)
		}
	}
	m.mu.RUnlock()

	for _, v := range targets {
		v.nudge(topic, sessionID)
	}
}

// CloseAll shuts down every view, used on server shutdown.
func (m *ViewManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for agentID, views := range m.views {
		for vid, v := range views {
			v.closeFn("server shutting down")
			slog.Info("Dashboard view closed", "agent_id", agentID, "view_id", vid)
		}
	}
	m.views = make(map[string]map[string]*View)
}

var _ coordination.Notifier = (*ViewManager)(nil)
