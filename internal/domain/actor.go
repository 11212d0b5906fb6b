package domain

// Role is the privilege level of an authenticated agent.
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Actor is the caller on whose behalf an operation runs. Authentication
// happens upstream; the core only evaluates ownership rules.
type Actor struct {
	ID    string
	Name  string
	Party Party
	Role  Role
}

// IsAdmin reports whether the actor may use administrative overrides.
func (a Actor) IsAdmin() bool {
	return a.Party == PartyAgent && a.Role == RoleAdmin
}

// IsAgent reports whether the actor is any support agent.
func (a Actor) IsAgent() bool {
	return a.Party == PartyAgent && a.ID != ""
}

// Sender returns the message author derived from the actor.
func (a Actor) Sender() Sender {
	return Sender{Party: a.Party, ID: a.ID, Name: a.Name}
}
