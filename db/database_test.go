package db

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	d, err := Open(":memory:", log.New(io.Discard))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCreateAndGetDiagram(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	created, err := d.CreateDiagram(ctx, "dia-1", "Login flow")
	if err != nil {
		t.Fatalf("create diagram: %v", err)
	}
	if created.ID != "dia-1" || created.Title != "Login flow" {
		t.Fatalf("unexpected diagram: %+v", created)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	if _, err := d.GetDiagram(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureDiagramIsIdempotent(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.CreateDiagram(ctx, "dia-1", "Named"); err != nil {
		t.Fatalf("create diagram: %v", err)
	}
	if err := d.EnsureDiagram(ctx, "dia-1"); err != nil {
		t.Fatalf("ensure existing diagram: %v", err)
	}

	diagram, err := d.GetDiagram(ctx, "dia-1")
	if err != nil {
		t.Fatalf("get diagram: %v", err)
	}
	if diagram.Title != "Named" {
		t.Fatalf("ensure must not overwrite the title, got %q", diagram.Title)
	}

	if err := d.EnsureDiagram(ctx, "dia-2"); err != nil {
		t.Fatalf("ensure fresh diagram: %v", err)
	}
	if _, err := d.GetDiagram(ctx, "dia-2"); err != nil {
		t.Fatalf("ensured diagram should exist: %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.CreateDiagram(ctx, "dia-1", "Flow"); err != nil {
		t.Fatalf("create diagram: %v", err)
	}

	entries := []struct{ id, prompt, mermaid string }{
		{"h1", "draw a login flow", "flowchart TD\n A --> B"},
		{"h2", "add a database step", "flowchart TD\n A --> B --> C"},
		{"h3", "now add caching", "flowchart TD\n A --> B --> C --> D"},
	}
	for _, e := range entries {
		if err := d.CreateHistory(ctx, e.id, "dia-1", e.prompt, e.mermaid); err != nil {
			t.Fatalf("create history %s: %v", e.id, err)
		}
	}

	history, err := d.GetHistory(ctx, "dia-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	if history[0].ID != "h3" || history[2].ID != "h1" {
		t.Fatalf("expected newest-first order, got %s %s %s",
			history[0].ID, history[1].ID, history[2].ID)
	}

	latest, err := d.GetLatestMermaid(ctx, "dia-1")
	if err != nil {
		t.Fatalf("get latest mermaid: %v", err)
	}
	if latest != entries[2].mermaid {
		t.Fatalf("unexpected latest mermaid: %q", latest)
	}
}

func TestGetLatestMermaidEmpty(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.CreateDiagram(ctx, "dia-1", "Flow"); err != nil {
		t.Fatalf("create diagram: %v", err)
	}

	latest, err := d.GetLatestMermaid(ctx, "dia-1")
	if err != nil {
		t.Fatalf("get latest mermaid: %v", err)
	}
	if latest != "" {
		t.Fatalf("expected empty mermaid, got %q", latest)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	if err := d.migrate(); err != nil {
		t.Fatalf("second migrate run: %v", err)
	}
}
