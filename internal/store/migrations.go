package store

import (
	"context"
	"fmt"

	"github.com/worksync/worksync/internal/debug"
)

// Migration is a single schema change applied after the base schema.
// Migrations run in order during Open and are recorded in
// schema_migrations so they apply exactly once.
type Migration struct {
	Name string
	Func func(ctx context.Context, s *DB) error
}

var migrationsList = []Migration{
	{"versions_execution_index", migrateVersionsExecutionIndex},
}

func (s *DB) migrate(ctx context.Context) error {
	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrationsList {
		if applied[m.Name] {
			continue
		}
		debug.Logf("store: applying migration %s\n", m.Name)
		if err := m.Func(ctx, s); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.Name, nowUTC()); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// migrateVersionsExecutionIndex speeds up "versions captured by execution"
// lookups used when inspecting an execution's trail.
func migrateVersionsExecutionIndex(ctx context.Context, s *DB) error {
	stmt := `CREATE INDEX IF NOT EXISTS idx_versions_execution ON work_item_versions(execution_id)`
	if s.dialect == DialectMySQL {
		// MySQL lacks IF NOT EXISTS for CREATE INDEX; the migration ledger
		// guarantees single application instead.
		stmt = `CREATE INDEX idx_versions_execution ON work_item_versions(execution_id)`
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}
