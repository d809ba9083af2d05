package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	DefaultBaseURL = "wss://streaming.assemblyai.com/v3/ws"

	// How long we give the provider to acknowledge a termination
	// request before tearing down the transport.
	closeGracePeriod = 500 * time.Millisecond
)

// Config controls the AssemblyAI realtime connection.
type Config struct {
	APIKey      string
	BaseURL     string
	SampleRate  int
	FormatTurns bool
}

// Client opens realtime transcription sessions against AssemblyAI v3.
type Client struct {
	cfg    Config
	logger *log.Logger
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Client{cfg: cfg, logger: logger}
}

// Start dials the streaming endpoint and returns a live session. The
// returned session is ready to accept audio as soon as Start returns.
func (c *Client) Start(ctx context.Context) (*LiveSession, error) {
	streamURL, err := buildStreamURL(c.cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", c.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial transcription service: %w", err)
	}

	s := &LiveSession{
		conn:   conn,
		logger: c.logger,
		events: make(chan Event, 64),
		audio:  make(chan []byte, 100),
	}
	s.open.Store(true)

	go s.writeLoop()
	go s.readLoop()

	return s, nil
}

func buildStreamURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid streaming base URL: %w", err)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// LiveSession is one duplex connection to the transcription provider.
// Decoded provider messages arrive on Events; the channel is closed
// once the provider side is gone.
type LiveSession struct {
	conn   *websocket.Conn
	logger *log.Logger

	events chan Event
	audio  chan []byte

	open      atomic.Bool
	closeOnce sync.Once

	sendMu     sync.RWMutex
	sendClosed bool
}

// SendAudio forwards one audio frame. Frames are dropped silently when
// the connection is not open; there is no buffering of early audio.
func (s *LiveSession) SendAudio(frame []byte) {
	if !s.open.Load() {
		return
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return
	}

	copied := append([]byte(nil), frame...)
	select {
	case s.audio <- copied:
	default:
		s.logger.Warn("audio buffer full, dropping frame")
	}
}

func (s *LiveSession) Events() <-chan Event {
	return s.events
}

// Close signals termination to the provider, waits a short grace
// period, then closes the transport. Safe to call multiple times.
func (s *LiveSession) Close() error {
	s.closeOnce.Do(func() {
		s.open.Store(false)

		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()

		time.Sleep(closeGracePeriod)
		_ = s.conn.Close()
	})
	return nil
}

func (s *LiveSession) writeLoop() {
	for frame := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.open.Store(false)
			s.logger.Error("failed to send audio frame", "error", err)
			return
		}
	}

	// Audio channel closed: the session is shutting down.
	if err := s.conn.WriteMessage(
		websocket.TextMessage,
		[]byte(`{"type":"Termination"}`),
	); err != nil {
		s.logger.Debug("failed to send termination message", "error", err)
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			wasOpen := s.open.Swap(false)
			if wasOpen && websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Error("transcription connection error", "error", err)
				s.events <- Event{Kind: EventConnectionError, Err: err}
			}
			return
		}

		ev, ok := decodeEvent(payload, s.logger)
		if !ok {
			continue
		}
		s.events <- ev
	}
}
