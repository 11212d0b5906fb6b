package domain

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageBodyRunes bounds the length of a single message body.
const MaxMessageBodyRunes = 2000

// Party identifies which side of the conversation authored a message.
type Party string

const (
	PartyGuest Party = "guest"
	PartyAgent Party = "agent"
)

// Valid reports whether p is a known party.
func (p Party) Valid() bool {
	return p == PartyGuest || p == PartyAgent
}

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyGuest {
		return PartyAgent
	}
	return PartyGuest
}

// ParseParty converts a raw value into a Party.
func ParseParty(raw string) (Party, error) {
	p := Party(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", NewError(CodeInvalidInput, "unknown party "+raw)
	}
	return p, nil
}

// Sender is the author of a message. Name is captured at send time.
type Sender struct {
	Party Party  `json:"party"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

// Message is an immutable entry in a session's history.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Sender      Sender    `json:"sender"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	ReadByGuest bool      `json:"read_by_guest"`
	ReadByAgent bool      `json:"read_by_agent"`
}

// ReadBy returns the read flag tracked for party.
func (m *Message) ReadBy(p Party) bool {
	if p == PartyGuest {
		return m.ReadByGuest
	}
	return m.ReadByAgent
}

// ValidateBody checks that body is non-blank and within MaxMessageBodyRunes.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return NewError(CodeInvalidInput, "message body is required")
	}
	if utf8.RuneCountInString(body) > MaxMessageBodyRunes {
		return WithDetail(CodeInvalidInput, "message body too long", map[string]string{
			"max_runes": strconv.Itoa(MaxMessageBodyRunes),
		})
	}
	return nil
}
