package db

import (
	"database/sql"
	"fmt"
)

type Migration struct {
	ID          string
	Description string
	Up          func(*sql.Tx) error
}

var migrations = []Migration{
	{
		ID:          "001_initial_schema",
		Description: "Create diagrams and diagram history tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS diagrams (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					created_at REAL DEFAULT (julianday('now'))
				);

				CREATE TABLE IF NOT EXISTS diagram_history (
					id TEXT PRIMARY KEY,
					diagram TEXT NOT NULL,
					prompt TEXT NOT NULL,
					mermaid TEXT NOT NULL,
					created_at REAL DEFAULT (julianday('now')),
					FOREIGN KEY (diagram) REFERENCES diagrams(id)
				);

				CREATE INDEX IF NOT EXISTS idx_history_diagram
					ON diagram_history(diagram, created_at);

				CREATE TABLE IF NOT EXISTS migration_history (
					id TEXT PRIMARY KEY,
					applied_at REAL DEFAULT (julianday('now'))
				);
			`)
			return err
		},
	},
}

func (d *DB) migrate() error {
	// The history table must exist before we can check it.
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at REAL DEFAULT (julianday('now'))
		);
	`); err != nil {
		return fmt.Errorf("create migration_history: %w", err)
	}

	for _, migration := range migrations {
		applied, err := d.migrationApplied(migration.ID)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		d.logger.Info("applying migration",
			"id", migration.ID,
			"description", migration.Description,
		)

		tx, err := d.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", migration.ID, err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO migration_history (id) VALUES (?)`,
			migration.ID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", migration.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", migration.ID, err)
		}
	}

	return nil
}

func (d *DB) migrationApplied(id string) (bool, error) {
	var count int
	err := d.QueryRow(
		`SELECT COUNT(*) FROM migration_history WHERE id = ?`,
		id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", id, err)
	}
	return count > 0, nil
}
