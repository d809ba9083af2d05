package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"murmaid/etc"
	"murmaid/session"
)

// clientMessage is an inbound control frame from the browser.
type clientMessage struct {
	Event       string `json:"event"`
	DiagramID   string `json:"diagramId"`
	MermaidCode string `json:"mermaidCode"`
}

// outboundMessage is the envelope for every frame sent to the browser.
type outboundMessage struct {
	Event   session.EventKind `json:"event"`
	Payload any               `json:"payload,omitempty"`
}

// socketPublisher serializes writes to one client websocket. After the
// socket is closed, or after the first write failure, Publish becomes
// a no-op so late generation results land harmlessly.
type socketPublisher struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *log.Logger
	closed bool
}

func (p *socketPublisher) Publish(kind session.EventKind, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if err := p.conn.WriteJSON(outboundMessage{Event: kind, Payload: payload}); err != nil {
		p.logger.Debug("client write failed, muting publisher", "error", err)
		p.closed = true
	}
}

func (p *socketPublisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := etc.NewFreshID()
	pub := &socketPublisher{conn: conn, logger: s.logger}

	s.logger.Info("client connected", "session", sessionID)
	pub.Publish(session.EventStatus, session.StatusPayload{Message: "Connected"})

	defer func() {
		// Disconnect tears the session down the same way stop-stream
		// does, minus the acknowledgement.
		s.registry.Remove(sessionID)
		pub.close()
		s.logger.Info("client disconnected", "session", sessionID)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client read error", "session", sessionID, "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if sess, ok := s.registry.Get(sessionID); ok {
				sess.SendAudio(data)
			}

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("malformed client message",
					"session", sessionID, "error", err)
				pub.Publish(session.EventError, session.ErrorPayload{
					Message: "Malformed message",
				})
				continue
			}
			s.handleClientEvent(r, sessionID, pub, msg)
		}
	}
}

func (s *Server) handleClientEvent(
	r *http.Request,
	sessionID string,
	pub *socketPublisher,
	msg clientMessage,
) {
	switch msg.Event {
	case "start-stream":
		s.startStream(r, sessionID, pub, msg.DiagramID)

	case "stop-stream":
		s.registry.Remove(sessionID)
		pub.Publish(session.EventStatus, session.StatusPayload{Message: "Stopped"})

	case "manual-update":
		// Hand-edited diagram code is echoed back as a diagram update.
		pub.Publish(session.EventDiagramUpdate, session.DiagramUpdatePayload{
			MermaidCode: msg.MermaidCode,
		})

	default:
		s.logger.Warn("unknown client event",
			"session", sessionID, "event", msg.Event)
		pub.Publish(session.EventError, session.ErrorPayload{
			Message: "Unknown event: " + msg.Event,
		})
	}
}

func (s *Server) startStream(
	r *http.Request,
	sessionID string,
	pub *socketPublisher,
	diagramID string,
) {
	if _, exists := s.registry.Get(sessionID); exists {
		pub.Publish(session.EventError, session.ErrorPayload{
			Message: "Stream already active",
		})
		return
	}

	if diagramID == "" {
		diagramID = etc.NewFreshID()
	}
	if err := s.db.EnsureDiagram(r.Context(), diagramID); err != nil {
		s.logger.Error("failed to ensure diagram",
			"session", sessionID, "diagram", diagramID, "error", err)
		pub.Publish(session.EventError, session.ErrorPayload{
			Message: "Failed to prepare diagram",
		})
		return
	}

	sess, err := s.registry.Create(sessionID, session.Config{
		DiagramID:      diagramID,
		DebounceWindow: s.debounce,
		Logger:         s.logger,
		Publisher:      pub,
		Store:          s.db,
		Generator:      s.generator,
		Transcriber:    s.transcriber,
	})
	if err != nil {
		pub.Publish(session.EventError, session.ErrorPayload{
			Message: "Stream already active",
		})
		return
	}

	if err := sess.StartStream(r.Context()); err != nil {
		// StartStream already published the error event.
		s.registry.Remove(sessionID)
	}
}
