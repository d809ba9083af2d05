package stt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// EventKind discriminates decoded provider messages.
type EventKind string

const (
	EventSessionBegan      EventKind = "session-began"
	EventPartialTranscript EventKind = "partial-transcript"
	EventFinalTranscript   EventKind = "final-transcript"
	EventSessionEnded      EventKind = "session-ended"
	EventConnectionError   EventKind = "connection-error"
)

// Event is one decoded domain event from the transcription provider.
type Event struct {
	Kind EventKind

	// EventSessionBegan
	SessionID string
	ExpiresAt time.Time

	// EventPartialTranscript / EventFinalTranscript
	Text string

	// EventSessionEnded
	AudioDuration   float64
	SessionDuration float64

	// EventConnectionError
	Err error
}

// providerMessage is the consumed subset of the AssemblyAI v3 realtime
// protocol. Messages are discriminated by the type field: Begin, Turn,
// Termination.
type providerMessage struct {
	Type string `json:"type"`

	ID        string  `json:"id"`
	ExpiresAt float64 `json:"expires_at"`

	Transcript      string `json:"transcript"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	EndOfTurn       bool   `json:"end_of_turn"`

	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

// decodeEvent maps a raw provider payload onto a domain event. Malformed
// or unrecognized messages are logged and dropped; they never fail the
// session.
func decodeEvent(payload []byte, logger *log.Logger) (Event, bool) {
	var msg providerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Warn("undecodable provider message", "error", err)
		return Event{}, false
	}

	switch msg.Type {
	case "Begin":
		return Event{
			Kind:      EventSessionBegan,
			SessionID: msg.ID,
			ExpiresAt: time.Unix(int64(msg.ExpiresAt), 0),
		}, true

	case "Turn":
		text := strings.TrimSpace(msg.Transcript)
		if text == "" {
			return Event{}, false
		}
		if msg.TurnIsFormatted && msg.EndOfTurn {
			return Event{Kind: EventFinalTranscript, Text: text}, true
		}
		return Event{Kind: EventPartialTranscript, Text: text}, true

	case "Termination":
		return Event{
			Kind:            EventSessionEnded,
			AudioDuration:   msg.AudioDurationSeconds,
			SessionDuration: msg.SessionDurationSeconds,
		}, true

	default:
		logger.Warn("unhandled provider message", "type", msg.Type)
		return Event{}, false
	}
}
