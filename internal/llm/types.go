package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a backend.
type State string

const (
	StateStopped State = "stopped"
	StateBooting State = "booting"
	StateRunning State = "running"
)

// Capability is a feature a model supports.
type Capability string

const (
	CapabilityCompletion Capability = "completion"
	CapabilityVision     Capability = "vision"
	CapabilityTools      Capability = "tools"
	CapabilityThinking   Capability = "thinking"
)

// ParseCapability maps a service capability name onto a known Capability.
// Unknown names (embedding, insert, ...) report false.
func ParseCapability(s string) (Capability, bool) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilityCompletion, CapabilityVision, CapabilityTools, CapabilityThinking:
		return c, true
	default:
		return "", false
	}
}

// ModelDescriptor is the immutable description of a discovered model.
type ModelDescriptor struct {
	Name         string       `json:"name"`
	ID           string       `json:"id"`
	Size         int64        `json:"size"`
	Capabilities []Capability `json:"capabilities"`
}

// Has reports whether the descriptor lists capability c.
func (d ModelDescriptor) Has(c Capability) bool {
	for _, x := range d.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// RuntimeSnapshot describes a loaded model as reported by its backend.
type RuntimeSnapshot struct {
	ModelName string    `json:"name"`
	VRAMBytes int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the snapshot may still be served from cache at now.
func (s RuntimeSnapshot) Valid(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// UnmarshalJSON accepts any casing ("User", "user") and rejects unknown roles.
// An empty role decodes to the zero Role, matching what an unset Role encodes to.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch v := Role(strings.ToLower(s)); v {
	case "", RoleSystem, RoleUser, RoleAssistant, RoleTool:
		*r = v
		return nil
	default:
		return fmt.Errorf("unknown role %q", s)
	}
}

// ChatMessage is one entry of a conversation. The core never mutates a
// message after construction; histories are passed by value.
type ChatMessage struct {
	Role     Role     `json:"role"`
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	Thoughts string   `json:"thoughts,omitempty"`
}

// UnmarshalJSON reads thoughts from either "thoughts" or "thinking" (the name
// Ollama streams reasoning under).
func (m *ChatMessage) UnmarshalJSON(b []byte) error {
	var wire struct {
		Role     Role     `json:"role"`
		Content  string   `json:"content"`
		Images   []string `json:"images"`
		Thoughts string   `json:"thoughts"`
		Thinking string   `json:"thinking"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*m = ChatMessage{Role: wire.Role, Content: wire.Content, Images: wire.Images, Thoughts: wire.Thoughts}
	if m.Thoughts == "" {
		m.Thoughts = wire.Thinking
	}
	return nil
}

// ChatResponse is one record of a streamed chat completion.
type ChatResponse struct {
	Done    bool        `json:"done"`
	Message ChatMessage `json:"message"`
	// Error is set when the backend failed mid-stream. Such a record ends
	// the session.
	Error string `json:"error,omitempty"`
}

// EventKind tags a completion Event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventStop    EventKind = "stop"
)

// Event is a completion event: a decoded Message or the terminal Stop.
type Event struct {
	Kind     EventKind     `json:"type"`
	Response *ChatResponse `json:"data,omitempty"`
}

// MessageEvent wraps a decoded response.
func MessageEvent(r ChatResponse) Event { return Event{Kind: EventMessage, Response: &r} }

// StopEvent is the terminal event of every session.
func StopEvent() Event { return Event{Kind: EventStop} }

// IsStop reports whether e terminates its session.
func (e Event) IsStop() bool { return e.Kind == EventStop }
