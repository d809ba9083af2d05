package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"murmaid/db"
	"murmaid/etc"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type createDiagramRequest struct {
	Title string `json:"title"`
}

type diagramResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	Mermaid   string `json:"mermaid,omitempty"`
}

type historyResponse struct {
	ID        string `json:"id"`
	DiagramID string `json:"diagramId"`
	Prompt    string `json:"prompt"`
	Mermaid   string `json:"mermaid"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleCreateDiagram(w http.ResponseWriter, r *http.Request) {
	var req createDiagramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled diagram"
	}

	diagram, err := s.db.CreateDiagram(r.Context(), etc.NewFreshID(), title)
	if err != nil {
		s.logger.Error("failed to create diagram", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create diagram")
		return
	}

	writeJSON(w, http.StatusCreated, toDiagramResponse(diagram, ""))
}

func (s *Server) handleListDiagrams(w http.ResponseWriter, r *http.Request) {
	diagrams, err := s.db.ListDiagrams(r.Context())
	if err != nil {
		s.logger.Error("failed to list diagrams", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list diagrams")
		return
	}

	out := make([]diagramResponse, 0, len(diagrams))
	for _, d := range diagrams {
		out = append(out, toDiagramResponse(d, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDiagram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	diagram, err := s.db.GetDiagram(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "diagram not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load diagram", "diagram", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load diagram")
		return
	}

	mermaid, err := s.db.GetLatestMermaid(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load latest diagram text", "diagram", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load diagram")
		return
	}

	writeJSON(w, http.StatusOK, toDiagramResponse(diagram, mermaid))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := s.db.GetHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load history", "diagram", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			ID:        e.ID,
			DiagramID: e.DiagramID,
			Prompt:    e.Prompt,
			Mermaid:   e.Mermaid,
			CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>murmaid</title>
  <style>
    body { font-family: monospace; max-width: 40em; margin: 2em auto; }
    li { margin: 0.5em 0; }
  </style>
</head>
<body>
  <h1>murmaid</h1>
  <p>Speak into <code>/ws</code>, get Mermaid diagrams back.</p>
  <h2>Diagrams</h2>
  {{if .}}
  <ul>
    {{range .}}
    <li><a href="/api/diagrams/{{.ID}}">{{.Title}}</a> <small>{{.CreatedAt.Format "2006-01-02 15:04"}}</small></li>
    {{end}}
  </ul>
  {{else}}
  <p><em>No diagrams yet.</em></p>
  {{end}}
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	diagrams, err := s.db.ListDiagrams(r.Context())
	if err != nil {
		http.Error(w, "failed to list diagrams", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	if err := indexTemplate.Execute(w, diagrams); err != nil {
		s.logger.Error("failed to render index", "error", err)
	}
}

func toDiagramResponse(d db.Diagram, mermaid string) diagramResponse {
	return diagramResponse{
		ID:        d.ID,
		Title:     d.Title,
		CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Mermaid:   mermaid,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
