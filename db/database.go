package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"murmaid/etc"
)

// ErrNotFound is returned when a diagram does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection used for diagram history.
type DB struct {
	*sql.DB
	logger *log.Logger
}

// Diagram is a named drawing board that generation history hangs off of.
type Diagram struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// HistoryEntry is one append-only (prompt, generated diagram) pair.
type HistoryEntry struct {
	ID        string
	DiagramID string
	Prompt    string
	Mermaid   string
	CreatedAt time.Time
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for an ephemeral database.
func Open(path string, logger *log.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, logger: logger}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return d, nil
}

func (d *DB) CreateDiagram(ctx context.Context, id, title string) (Diagram, error) {
	_, err := d.ExecContext(ctx,
		`INSERT INTO diagrams (id, title) VALUES (?, ?)`,
		id, title,
	)
	if err != nil {
		return Diagram{}, fmt.Errorf("create diagram: %w", err)
	}
	return d.GetDiagram(ctx, id)
}

// EnsureDiagram creates a diagram row if one does not already exist,
// so that streaming sessions can persist history against a fresh id.
func (d *DB) EnsureDiagram(ctx context.Context, id string) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO diagrams (id, title) VALUES (?, 'Untitled diagram')
		 ON CONFLICT (id) DO NOTHING`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ensure diagram: %w", err)
	}
	return nil
}

func (d *DB) GetDiagram(ctx context.Context, id string) (Diagram, error) {
	var diagram Diagram
	var createdAt float64

	err := d.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM diagrams WHERE id = ?`,
		id,
	).Scan(&diagram.ID, &diagram.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Diagram{}, ErrNotFound
	}
	if err != nil {
		return Diagram{}, fmt.Errorf("get diagram: %w", err)
	}

	diagram.CreatedAt = etc.JulianDayToTime(createdAt)
	return diagram, nil
}

func (d *DB) ListDiagrams(ctx context.Context) ([]Diagram, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, title, created_at FROM diagrams
		 ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list diagrams: %w", err)
	}
	defer rows.Close()

	var diagrams []Diagram
	for rows.Next() {
		var diagram Diagram
		var createdAt float64
		if err := rows.Scan(&diagram.ID, &diagram.Title, &createdAt); err != nil {
			return nil, err
		}
		diagram.CreatedAt = etc.JulianDayToTime(createdAt)
		diagrams = append(diagrams, diagram)
	}
	return diagrams, rows.Err()
}

// CreateHistory appends one generation record. History rows are never
// updated; the newest row is the diagram's current state.
func (d *DB) CreateHistory(
	ctx context.Context,
	id, diagramID, prompt, mermaid string,
) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO diagram_history (id, diagram, prompt, mermaid)
		 VALUES (?, ?, ?, ?)`,
		id, diagramID, prompt, mermaid,
	)
	if err != nil {
		return fmt.Errorf("create history: %w", err)
	}
	return nil
}

// GetHistory returns a diagram's generation history, newest first.
func (d *DB) GetHistory(ctx context.Context, diagramID string) ([]HistoryEntry, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT id, diagram, prompt, mermaid, created_at
		 FROM diagram_history WHERE diagram = ?
		 ORDER BY created_at DESC, rowid DESC`,
		diagramID,
	)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var createdAt float64
		if err := rows.Scan(
			&entry.ID,
			&entry.DiagramID,
			&entry.Prompt,
			&entry.Mermaid,
			&createdAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = etc.JulianDayToTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetLatestMermaid returns the most recently generated diagram text for
// a diagram id, or "" when no generation has happened yet.
func (d *DB) GetLatestMermaid(ctx context.Context, diagramID string) (string, error) {
	var mermaid string
	err := d.QueryRowContext(ctx,
		`SELECT mermaid FROM diagram_history WHERE diagram = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		diagramID,
	).Scan(&mermaid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get latest mermaid: %w", err)
	}
	return mermaid, nil
}
