package session

import (
	"context"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one append-only transcript entry. Entries are never
// mutated or removed once appended.
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType tags events emitted to session consumers.
type EventType string

const (
	EventConnected      EventType = "CONNECTED"
	EventDisconnected   EventType = "DISCONNECTED"
	EventUserTranscript EventType = "USER_TRANSCRIPT"
	EventAgentResponse  EventType = "AGENT_RESPONSE"
	EventError          EventType = "ERROR"
)

// Event is delivered on the session's event channel.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data,omitempty"`
}

// Capturer is the microphone side of the session. The real implementation is
// capture.Engine.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() error
	Recording() bool
	Level() float64
}

// ReconnectPolicy controls automatic reconnection after an unexpected
// connection loss. Disabled by default: the original client required a
// manual retry, and callers opt in explicitly.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
}

// Config controls a session.
type Config struct {
	// URL is the websocket endpoint of the voice agent proxy.
	URL string
	// AgentID selects which upstream voice agent the proxy connects to.
	AgentID string
	// OutputFormat is the assumed agent audio format until the server
	// announces one in its initiation metadata.
	OutputFormat string
	// DumpDir, when set, receives a WAV dump of agent audio per session for
	// diagnostics.
	DumpDir string
	// Reconnect is the automatic reconnection policy.
	Reconnect ReconnectPolicy
}

// DefaultConfig points at the local proxy with the product's default agent.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:3002",
		AgentID:      "agent_01jx1w1hf3e68v6n8510t90ww0",
		OutputFormat: "pcm_48000",
		Reconnect: ReconnectPolicy{
			Enabled:     false,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
		},
	}
}
