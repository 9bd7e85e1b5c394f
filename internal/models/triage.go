// Package models defines triage domain types: severity labels, conversation
// messages, turns and replies.
package models

import (
	"fmt"
	"strings"
	"time"
)

// SeverityLabel is the four-way outcome of severity classification.
type SeverityLabel string

const (
	SeverityMild     SeverityLabel = "Mild"
	SeverityModerate SeverityLabel = "Moderate"
	SeveritySevere   SeverityLabel = "Severe"
	SeverityOther    SeverityLabel = "Other"
)

// severityUnknown is emitted by some models when they cannot decide; it maps to Other.
const severityUnknown = "Unknown"

// SeverityLabels lists every label in a stable order.
var SeverityLabels = []SeverityLabel{SeverityMild, SeverityModerate, SeveritySevere, SeverityOther}

// ParseSeverityLabel validates a raw classifier value. "Unknown" is normalised to
// Other; any other value outside the enum is rejected with ErrInvalidSeverity.
func ParseSeverityLabel(raw string) (SeverityLabel, error) {
	v := strings.TrimSpace(raw)
	switch SeverityLabel(v) {
	case SeverityMild, SeverityModerate, SeveritySevere, SeverityOther:
		return SeverityLabel(v), nil
	}
	if v == severityUnknown {
		return SeverityOther, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, raw)
}

// Role identifies who authored a message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleHuman || r == RoleAI
}

// Message is a single, immutable entry of a conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HumanMessage builds a user-authored message stamped with the current time.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content, CreatedAt: now().UTC()}
}

// AIMessage builds an assistant-authored message stamped with the current time.
func AIMessage(content string) Message {
	return Message{Role: RoleAI, Content: content, CreatedAt: now().UTC()}
}

// Location is a latitude/longitude pair shared by a user.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return ErrInvalidLatitude
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

// Turn is one user submission to the workflow engine.
type Turn struct {
	ThreadID string
	Text     string
	Image    []byte
	Location *Location // optional; persisted for the thread when present
}

// Validate performs input validation on a turn before it reaches the engine.
func (t Turn) Validate() error {
	if strings.TrimSpace(t.ThreadID) == "" {
		return ErrEmptyThreadID
	}
	if strings.TrimSpace(t.Text) == "" && len(t.Image) == 0 {
		return ErrEmptyTurn
	}
	if len(t.Text) > MaxTurnTextLength {
		return ErrTurnTextTooLong
	}
	if len(t.Image) > MaxImageBytes {
		return ErrImageTooLarge
	}
	if t.Location != nil {
		return t.Location.Validate()
	}
	return nil
}

// SeverityResult is the structured output of a severity responder.
type SeverityResult struct {
	Label                   SeverityLabel `json:"label"`
	ResponseText            string        `json:"response_text"`
	RecommendedSpecialities []string      `json:"recommended_specialities,omitempty"`
}

// Reply is what the engine hands back to a front-end for one turn.
type Reply struct {
	ThreadID string        `json:"thread_id"`
	Label    SeverityLabel `json:"label,omitempty"`
	Text     string        `json:"text"`
	Fallback bool          `json:"fallback,omitempty"`
}
