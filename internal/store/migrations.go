package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE requests (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL,
					project_name TEXT NOT NULL DEFAULT '',
					requested_by TEXT NOT NULL DEFAULT '',
					requested_at DATETIME NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					priority TEXT NOT NULL,
					status TEXT NOT NULL,
					scope_json TEXT NOT NULL,
					options_json TEXT NOT NULL,
					estimates_json TEXT NOT NULL DEFAULT 'null',
					approvals_json TEXT NOT NULL DEFAULT '[]',
					progress_json TEXT NOT NULL DEFAULT '{}',
					failure_json TEXT NOT NULL DEFAULT 'null',
					overrun_json TEXT NOT NULL DEFAULT '{}',
					cancel_requested BOOLEAN NOT NULL DEFAULT 0,
					cancel_requested_by TEXT NOT NULL DEFAULT '',
					execution_started_at DATETIME,
					completed_at DATETIME,
					rearchive_at DATETIME,
					updated_at DATETIME NOT NULL,
					version INTEGER NOT NULL DEFAULT 1
				);

				CREATE INDEX idx_requests_status ON requests(status);
				CREATE INDEX idx_requests_project ON requests(project_id, requested_at);

				-- one open request per project
				CREATE UNIQUE INDEX idx_requests_open_project ON requests(project_id)
					WHERE status NOT IN ('completed', 'failed', 'cancelled');

				CREATE TABLE request_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					request_id TEXT NOT NULL,
					at DATETIME NOT NULL,
					from_status TEXT NOT NULL DEFAULT '',
					to_status TEXT NOT NULL,
					actor TEXT NOT NULL DEFAULT '',
					note TEXT NOT NULL DEFAULT '',
					FOREIGN KEY(request_id) REFERENCES requests(id)
				);

				CREATE INDEX idx_request_events_request ON request_events(request_id, id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE asset_jobs (
					id TEXT PRIMARY KEY,
					request_id TEXT NOT NULL,
					asset_id TEXT NOT NULL,
					asset_type TEXT NOT NULL DEFAULT '',
					storage_tier TEXT NOT NULL,
					size_bytes INTEGER NOT NULL DEFAULT 0,
					handle TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL DEFAULT 'queued',
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					verified BOOLEAN NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					UNIQUE(request_id, asset_id),
					FOREIGN KEY(request_id) REFERENCES requests(id)
				);

				CREATE INDEX idx_asset_jobs_request ON asset_jobs(request_id, state);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Debug("migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
