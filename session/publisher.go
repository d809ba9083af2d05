package session

import "time"

// EventKind names the notifications a session can push to its client.
type EventKind string

const (
	EventStatus            EventKind = "status"
	EventSessionStarted    EventKind = "session-started"
	EventPartialTranscript EventKind = "partial-transcript"
	EventTranscript        EventKind = "transcript"
	EventSessionEnded      EventKind = "session-ended"
	EventDiagramUpdate     EventKind = "diagram-update"
	EventError             EventKind = "error"
)

// Publisher delivers events back to the client that owns the session.
// Implementations must tolerate publishes after the client is gone and
// treat them as no-ops.
type Publisher interface {
	Publish(kind EventKind, payload any)
}

type StatusPayload struct {
	Message string `json:"message"`
}

type SessionStartedPayload struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TranscriptPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

type SessionEndedPayload struct {
	AudioDuration   float64 `json:"audioDuration"`
	SessionDuration float64 `json:"sessionDuration"`
}

type DiagramUpdatePayload struct {
	MermaidCode string `json:"mermaidCode"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
