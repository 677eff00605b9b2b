// Package conversation runs the lifecycle of a remote voice conversation
// with the narrator: token fetch, connect, event fan-out, disconnect and
// ownership arbitration between the features that start sessions.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/recorder"
)

var (
	ErrMissingAgent    = errors.New("conversation: persona has no agent configured")
	ErrMissingEndpoint = errors.New("conversation: token endpoint not configured")
	ErrHTMLResponse    = errors.New("conversation: token endpoint returned HTML")
	ErrTimeout         = errors.New("conversation: timed out")
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Mode is only meaningful while connected.
type Mode string

const (
	ModeNone      Mode = ""
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// Disconnect reasons reported by the voice service.
const (
	ReasonUser  = "user"
	ReasonAgent = "agent"
	ReasonError = "error"
)

// AppState values accepted by HandleAppState.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
)

type Persona struct {
	ID      string
	Name    string
	AgentID string
}

type StartOptions struct {
	OwnerKey string
}

type StopOptions struct {
	OwnerKey string
	Force    bool
}

// Message is a transcript line exchanged during a session.
type Message struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Metadata is announced by the voice service once a session is live.
type Metadata struct {
	ConversationID string `json:"conversation_id"`
	OutputFormat   string `json:"output_format,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
}

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventModeChange   EventType = "mode_change"
	EventStatusChange EventType = "status_change"
	EventMetadata     EventType = "metadata"
)

// Event is delivered to registry listeners.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	PersonaID string    `json:"persona_id"`
	OwnerKey  string    `json:"owner_key,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	Status         Status `json:"status"`
	Mode           Mode   `json:"mode"`
	PersonaID      string `json:"persona_id,omitempty"`
	OwnerKey       string `json:"owner_key,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	RequestID      uint64 `json:"request_id"`
	StartInFlight  bool   `json:"start_in_flight"`
	LastError      string `json:"last_error,omitempty"`
}

// Service is the remote voice conversation transport.
type Service interface {
	// StartSession connects with a conversation token and returns the
	// remote conversation id.
	StartSession(ctx context.Context, token string) (string, error)
	EndSession(ctx context.Context, reason string) error
	Status() Status
	Mode() Mode
}

// EventHandler receives callbacks from a Service.
type EventHandler interface {
	OnConnect(conversationID string)
	OnDisconnect(reason string)
	OnMessage(msg Message)
	OnError(err error)
	OnModeChange(mode Mode)
	OnStatusChange(status Status)
	OnMetadata(md Metadata)
	OnAudio(frame string)
}

// TokenSource fetches a conversation token for an agent.
type TokenSource interface {
	FetchToken(ctx context.Context, agentID string) (string, error)
}

// Recorder persists incoming audio frames.
type Recorder interface {
	Start(sessionID string) error
	Append(frame string) error
	SetSampleRate(hz int)
	Stop(ctx context.Context) (*recorder.Result, error)
}

// MaskController is the part of the latency mask scheduler the session
// drives.
type MaskController interface {
	Stop()
	Clear()
}
