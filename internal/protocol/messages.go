package protocol

import "time"

// ConversationEvent mirrors a session event for bus consumers.
type ConversationEvent struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	PersonaID      string    `json:"persona_id"`
	OwnerKey       string    `json:"owner_key,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	Status         string    `json:"status,omitempty"`
	Source         string    `json:"source,omitempty"`
	Text           string    `json:"text,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecordingReady is published once a recording file is finalized.
type RecordingReady struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	URI        string    `json:"uri"`
	SampleRate int       `json:"sample_rate"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// StartRequest asks the narrator to open a conversation with a persona.
type StartRequest struct {
	PersonaID string `json:"persona_id"`
	OwnerKey  string `json:"owner_key,omitempty"`
}

// StopRequest ends the active conversation. Without Force the owner key
// must match the session owner.
type StopRequest struct {
	OwnerKey string `json:"owner_key,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// ControlReply answers start/stop requests.
type ControlReply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
}

const (
	SubjectConversationEventPrefix = "narrator.conversation.event"
	SubjectConversationStart       = "narrator.conversation.start"
	SubjectConversationStop        = "narrator.conversation.stop"
	SubjectRecordingReady          = "narrator.recording.ready"
)

// ConversationEventSubject returns the subject an event type is published on.
func ConversationEventSubject(eventType string) string {
	return SubjectConversationEventPrefix + "." + eventType
}
