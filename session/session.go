package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"murmaid/etc"
	"murmaid/llm"
	"murmaid/stt"
)

// State is the lifecycle of a session's upstream connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	ErrClosed           = errors.New("session is closed")
	ErrAlreadyStreaming = errors.New("session already has an open transcription connection")
)

// DefaultDebounceWindow is the quiet period after the last final
// fragment before accumulated fragments are dispatched for generation.
const DefaultDebounceWindow = 5 * time.Second

// Stream is the capability surface of one upstream transcription
// connection: send audio, receive decoded events, close.
type Stream interface {
	SendAudio(frame []byte)
	Events() <-chan stt.Event
	Close() error
}

// Transcriber opens upstream transcription connections.
type Transcriber interface {
	Start(ctx context.Context) (Stream, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context) (Stream, error)

func (f TranscriberFunc) Start(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// HistoryStore persists (prompt, diagram) pairs, append-only.
type HistoryStore interface {
	CreateHistory(ctx context.Context, id, diagramID, prompt, mermaid string) error
}

// Config carries the collaborators one session needs.
type Config struct {
	DiagramID      string
	DebounceWindow time.Duration
	Logger         *log.Logger
	Publisher      Publisher
	Store          HistoryStore
	Generator      llm.Generator
	Transcriber    Transcriber
}

// Session owns one client's live audio-to-diagram interaction: the
// upstream transcription connection, the transcript batcher, and the
// per-session generation queue.
type Session struct {
	ID        string
	DiagramID string

	logger      *log.Logger
	pub         Publisher
	store       HistoryStore
	gen         llm.Generator
	transcriber Transcriber

	batch *batcher
	queue *generationQueue

	mu          sync.Mutex
	state       State
	stream      Stream
	lastDiagram string
	closed      bool
}

func newSession(id string, cfg Config) *Session {
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}

	s := &Session{
		ID:          id,
		DiagramID:   cfg.DiagramID,
		logger:      cfg.Logger,
		pub:         cfg.Publisher,
		store:       cfg.Store,
		gen:         cfg.Generator,
		transcriber: cfg.Transcriber,
		state:       StateIdle,
	}

	s.batch = newBatcher(window, s.submitBatch)
	s.queue = newGenerationQueue(16)
	s.queue.Start(s.runGeneration)

	return s
}

// StartStream opens the upstream transcription connection and begins
// consuming its events. A session has at most one open connection.
func (s *Session) StartStream(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stream != nil {
		s.mu.Unlock()
		return ErrAlreadyStreaming
	}
	s.state = StateConnecting
	s.mu.Unlock()

	stream, err := s.transcriber.Start(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		s.logger.Error("failed to open transcription connection",
			"session", s.ID, "error", err)
		s.pub.Publish(EventError, ErrorPayload{
			Message: "Failed to connect to transcription service",
		})
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	s.stream = stream
	s.state = StateStreaming
	s.mu.Unlock()

	s.pub.Publish(EventStatus, StatusPayload{Message: "Listening..."})
	go s.consumeEvents(stream)

	return nil
}

// SendAudio forwards one audio frame to the upstream connection.
// Frames arriving before the connection is open are dropped.
func (s *Session) SendAudio(frame []byte) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return
	}
	stream.SendAudio(frame)
}

// consumeEvents is the single ordered processing loop for one upstream
// connection's decoded events. When the connection is gone the client
// hears about it as a status change.
func (s *Session) consumeEvents(stream Stream) {
	defer s.pub.Publish(EventStatus, StatusPayload{Message: "Disconnected"})

	for ev := range stream.Events() {
		switch ev.Kind {
		case stt.EventSessionBegan:
			s.pub.Publish(EventSessionStarted, SessionStartedPayload{
				SessionID: ev.SessionID,
				ExpiresAt: ev.ExpiresAt,
			})

		case stt.EventPartialTranscript:
			s.pub.Publish(EventPartialTranscript, TranscriptPayload{
				Text: ev.Text,
			})

		case stt.EventFinalTranscript:
			s.logger.Info("heard", "session", s.ID, "text", ev.Text)
			s.pub.Publish(EventTranscript, TranscriptPayload{
				Text:  ev.Text,
				Final: true,
			})
			s.batch.Add(ev.Text)

		case stt.EventSessionEnded:
			s.pub.Publish(EventSessionEnded, SessionEndedPayload{
				AudioDuration:   ev.AudioDuration,
				SessionDuration: ev.SessionDuration,
			})

		case stt.EventConnectionError:
			// The session is degraded but not destroyed; the client
			// decides whether to stop and retry.
			s.logger.Error("transcription connection error",
				"session", s.ID, "error", ev.Err)
			s.pub.Publish(EventError, ErrorPayload{
				Message: "Transcription service error",
			})
		}
	}
}

func (s *Session) submitBatch(prompt string) {
	if !s.queue.Submit(prompt) {
		s.logger.Warn("generation queue closed, dropping batch",
			"session", s.ID)
	}
}

// runGeneration executes one queued generation request. Runs on the
// queue worker, so requests for this session never overlap.
func (s *Session) runGeneration(prompt string) {
	s.mu.Lock()
	previous := s.lastDiagram
	s.mu.Unlock()

	if previous == "" {
		s.pub.Publish(EventStatus, StatusPayload{Message: "Generating diagram..."})
	} else {
		s.pub.Publish(EventStatus, StatusPayload{Message: "Updating diagram..."})
	}

	// Generation is allowed to outlive the session; a publish after
	// the client is gone is a no-op.
	diagram, err := s.gen.Generate(context.Background(), prompt, previous)
	if err != nil {
		s.logger.Error("diagram generation failed",
			"session", s.ID, "error", err)
		s.pub.Publish(EventError, ErrorPayload{
			Message: "Diagram generation failed",
		})
	} else {
		s.mu.Lock()
		s.lastDiagram = diagram
		s.mu.Unlock()

		if err := s.store.CreateHistory(
			context.Background(),
			etc.NewFreshID(),
			s.DiagramID,
			prompt,
			diagram,
		); err != nil {
			// The live update still goes out; durable history lags.
			s.logger.Error("failed to persist diagram history",
				"session", s.ID, "diagram", s.DiagramID, "error", err)
		}

		s.pub.Publish(EventDiagramUpdate, DiagramUpdatePayload{
			MermaidCode: diagram,
		})
	}

	s.mu.Lock()
	streaming := !s.closed && s.stream != nil
	s.mu.Unlock()

	if streaming {
		s.pub.Publish(EventStatus, StatusPayload{Message: "Listening..."})
	} else {
		s.pub.Publish(EventStatus, StatusPayload{Message: "Connected"})
	}
}

// LastDiagram returns the most recently generated diagram text, or ""
// when none exists yet for this session.
func (s *Session) LastDiagram() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiagram
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close flushes the pending batch, stops accepting new work, and
// releases the upstream connection. Idempotent. An in-flight
// generation call is not cancelled; it completes asynchronously.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosing
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	// Flush before closing the queue so the final batch is queued.
	s.batch.Flush()
	s.batch.Stop()
	s.queue.Close()

	if stream != nil {
		_ = stream.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
