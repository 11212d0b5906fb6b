package domain

import (
	"strings"
	"time"
)

// PresenceStatus is an agent's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the three presence values.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// ParsePresenceStatus converts a raw value into a PresenceStatus.
func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	s := PresenceStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", NewError(CodeInvalidInput, "unknown presence status "+raw)
	}
	return s, nil
}

// NextPresence advances offline -> online -> busy -> offline.
// Unknown values restart the cycle at online.
func NextPresence(current PresenceStatus) PresenceStatus {
	switch current {
	case PresenceOffline:
		return PresenceOnline
	case PresenceOnline:
		return PresenceBusy
	case PresenceBusy:
		return PresenceOffline
	}
	return PresenceOnline
}

// AgentPresence is the single availability record kept per agent.
type AgentPresence struct {
	AgentID   string         `json:"agent_id"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OfflinePresence is the implicit record for agents that never reported.
func OfflinePresence(agentID string) *AgentPresence {
	return &AgentPresence{AgentID: agentID, Status: PresenceOffline}
}
