package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		account_id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		token_type TEXT,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		scopes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS publish_requests (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		content JSONB NOT NULL,
		target_account_ids JSONB NOT NULL,
		scheduled_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS publish_tasks (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES publish_requests(id),
		account_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		state TEXT NOT NULL,
		attempt INT NOT NULL DEFAULT 0,
		last_error JSONB,
		external_content_id TEXT,
		pending_handle TEXT,
		container_id TEXT,
		assets JSONB NOT NULL DEFAULT '[]',
		attachments JSONB NOT NULL DEFAULT '[]',
		poll_count INT NOT NULL DEFAULT 0,
		next_poll_at TIMESTAMPTZ,
		state_entered_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_publish_tasks_request ON publish_tasks(request_id)`,
	`CREATE INDEX IF NOT EXISTS ix_publish_tasks_state ON publish_tasks(state)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_publish_tasks_handle ON publish_tasks(destination, pending_handle) WHERE pending_handle IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		object_key TEXT NOT NULL,
		session_token TEXT NOT NULL,
		total_size BIGINT NOT NULL,
		chunk_size BIGINT NOT NULL,
		content_type TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_upload_sessions_key ON upload_sessions(backend, object_key, status)`,
	`CREATE TABLE IF NOT EXISTS upload_session_parts (
		session_id TEXT NOT NULL REFERENCES upload_sessions(id),
		part_number INT NOT NULL,
		part_tag TEXT NOT NULL,
		size BIGINT NOT NULL,
		PRIMARY KEY (session_id, part_number)
	)`,
}

// EnsureSchema creates the publish tables when missing and adds columns
// introduced after the first deployment. Safe to call at startup.
func EnsureSchema(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	checks := []struct {
		table  string
		column string
		ddl    string
	}{
		{"publish_tasks", "poll_count", "ALTER TABLE publish_tasks ADD COLUMN poll_count INT NOT NULL DEFAULT 0"},
		{"publish_requests", "cancelled_at", "ALTER TABLE publish_requests ADD COLUMN cancelled_at TIMESTAMPTZ"},
	}
	for _, c := range checks {
		exists, err := columnExists(ctx, db, c.table, c.column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.ExecContext(ctx, c.ddl); err != nil {
				return fmt.Errorf("adding column %s.%s failed: %w", c.table, c.column, err)
			}
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	row := db.QueryRowContext(ctx, `SELECT 1 FROM information_schema.columns WHERE table_name=$1 AND column_name=$2`, table, column)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
