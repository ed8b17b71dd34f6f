// Package migrate brings a workspace's SQLite ledger up to the current
// schema: projects, applications, expenses, profiles, the append-only
// events table and api_keys. Steps are numbered SQL files embedded under
// sql/; the applied version lives in a single-row schema_version table so
// an old workspace can be opened by any newer build.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var ledgerSchema embed.FS

type step struct {
	version int
	name    string
	stmts   string
}

func schemaSteps() ([]step, error) {
	entries, err := fs.ReadDir(ledgerSchema, "sql")
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("migration %s: filename must start with a version number: %w", entry.Name(), err)
		}
		stmts, err := ledgerSchema.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{version: version, name: entry.Name(), stmts: string(stmts)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Migrate applies every schema step the ledger has not seen yet. The whole
// upgrade runs in one transaction, so a half-applied upgrade never commits.
func Migrate(db *sql.DB) error {
	steps, err := schemaSteps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var applied int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&applied); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	default:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range steps {
		if s.version <= applied {
			continue
		}
		if _, err := tx.Exec(s.stmts); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record migration %s: %w", s.name, err)
		}
		applied = s.version
	}
	return tx.Commit()
}
