// Package migrate brings the actifix workspace database up to the
// current schema. Migrations are embedded versioned SQL files applied
// in one transaction; the applied version lives in a single-row
// schema_version table so every process sharing the database converges
// on the same schema before touching tickets.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"actifix/internal/db"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

func loadSchema() ([]migration, error) {
	files, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("read embedded schema: %w", err)
	}
	var steps []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema step %s: %w", f.Name(), err)
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("schema step %s: name must start with a version: %w", f.Name(), err)
		}
		steps = append(steps, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate applies any pending schema steps to conn in order. Already
// applied steps are skipped, so it is safe to call on every startup.
func Migrate(conn *sql.DB) error {
	steps, err := loadSchema()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range steps {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("record %s: %w", m.name, err)
		}
		current = m.version
	}
	return tx.Commit()
}

// OpenWorkspace opens the workspace ticket database and migrates it to
// the current schema, the sequence every actifix entry point needs
// before constructing a repository.
func OpenWorkspace(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace %s: %w", workspace, err)
	}
	return conn, nil
}
