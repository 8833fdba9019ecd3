package guardkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/fernandezvara/dbkit"
	"go.uber.org/zap"
)

// Migrations returns all database migrations required for GuardKit, in
// dependency order. Apply them with (*PostgresStore).Migrate or directly with
// dbkit's Migrate.
func Migrations() []dbkit.Migration {
	return []dbkit.Migration{
		{
			ID:          "guardkit-001",
			Description: "Create identities table",
			SQL: `
                CREATE TABLE IF NOT EXISTS identities (
                    id BIGSERIAL PRIMARY KEY,
                    email TEXT NOT NULL UNIQUE,
                    display_name TEXT NOT NULL DEFAULT '',
                    manager_id BIGINT REFERENCES identities(id) ON DELETE SET NULL,
                    is_active BOOLEAN NOT NULL DEFAULT TRUE,
                    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    deleted_at TIMESTAMPTZ,
                    CONSTRAINT identities_no_self_manager CHECK (manager_id IS NULL OR manager_id <> id)
                );
                CREATE INDEX IF NOT EXISTS idx_identities_manager ON identities(manager_id);
                CREATE INDEX IF NOT EXISTS idx_identities_deleted_at ON identities(deleted_at) WHERE deleted_at IS NOT NULL`,
		},
		{
			ID:          "guardkit-002",
			Description: "Create roles table",
			SQL: `
                CREATE TABLE IF NOT EXISTS roles (
                    id BIGSERIAL PRIMARY KEY,
                    component TEXT NOT NULL,
                    name TEXT NOT NULL,
                    description TEXT NOT NULL DEFAULT '',
                    permissions JSONB NOT NULL DEFAULT '{}'::jsonb,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    UNIQUE (component, name)
                )`,
		},
		{
			ID:          "guardkit-003",
			Description: "Create role_assignments table",
			SQL: `
                CREATE TABLE IF NOT EXISTS role_assignments (
                    identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
                    role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    PRIMARY KEY (identity_id, role_id)
                );
                CREATE INDEX IF NOT EXISTS idx_role_assignments_role ON role_assignments(role_id)`,
		},
		{
			ID:          "guardkit-004",
			Description: "Create audit_entries table",
			SQL: `
                CREATE TABLE IF NOT EXISTS audit_entries (
                    id TEXT PRIMARY KEY,
                    actor_id BIGINT,
                    actor_label TEXT NOT NULL,
                    action TEXT NOT NULL,
                    table_name TEXT NOT NULL,
                    record_id TEXT,
                    before_state JSONB,
                    after_state JSONB,
                    description TEXT NOT NULL DEFAULT '',
                    ip_address TEXT,
                    user_agent TEXT,
                    endpoint TEXT,
                    method TEXT,
                    request_id TEXT,
                    signature TEXT,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                );
                CREATE INDEX IF NOT EXISTS idx_audit_entries_created ON audit_entries(created_at DESC, id DESC);
                CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor_id);
                CREATE INDEX IF NOT EXISTS idx_audit_entries_record ON audit_entries(table_name, record_id)`,
		},
		{
			ID:          "guardkit-005",
			Description: "Create tasks table",
			SQL: `
                CREATE TABLE IF NOT EXISTS tasks (
                    id BIGSERIAL PRIMARY KEY,
                    title TEXT NOT NULL,
                    description TEXT NOT NULL DEFAULT '',
                    status TEXT NOT NULL DEFAULT 'todo',
                    priority TEXT NOT NULL DEFAULT 'medium',
                    user_id BIGINT NOT NULL REFERENCES identities(id),
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    deleted_at TIMESTAMPTZ,
                    CONSTRAINT tasks_status_check CHECK (status IN ('todo', 'in_progress', 'done')),
                    CONSTRAINT tasks_priority_check CHECK (priority IN ('low', 'medium', 'high'))
                );
                CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
                CREATE INDEX IF NOT EXISTS idx_tasks_deleted_at ON tasks(deleted_at) WHERE deleted_at IS NOT NULL`,
		},
	}
}

// Migrate applies pending migrations. It requires a store opened with
// OpenPostgres.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	if s.kit == nil {
		return nil, errors.New("guardkit: migrations require a store opened with OpenPostgres")
	}

	result, err := s.kit.Migrate(ctx, Migrations())
	if err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrDatabaseError, err)
	}

	applied := make([]string, 0, len(result.Applied))
	for _, migration := range result.Applied {
		s.logger.Info("applied migration", zap.String("id", migration.ID))
		applied = append(applied, migration.ID)
	}
	return applied, nil
}
