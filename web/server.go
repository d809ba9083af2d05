package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"murmaid/db"
	"murmaid/llm"
	"murmaid/session"
)

// Server wires the HTTP API, the index page, and the session WebSocket
// endpoint to the registry and its collaborators.
type Server struct {
	db          *db.DB
	registry    *session.Registry
	transcriber session.Transcriber
	generator   llm.Generator
	debounce    time.Duration
	logger      *log.Logger
	upgrader    websocket.Upgrader
}

func NewServer(
	database *db.DB,
	registry *session.Registry,
	transcriber session.Transcriber,
	generator llm.Generator,
	debounce time.Duration,
	logger *log.Logger,
) *Server {
	return &Server{
		db:          database,
		registry:    registry,
		transcriber: transcriber,
		generator:   generator,
		debounce:    debounce,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/diagrams", s.handleCreateDiagram)
		r.Get("/diagrams", s.handleListDiagrams)
		r.Get("/diagrams/{id}", s.handleGetDiagram)
		r.Get("/diagrams/{id}/history", s.handleGetHistory)
	})

	return r
}

func (s *Server) Serve(port int) error {
	s.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.Router())
}
