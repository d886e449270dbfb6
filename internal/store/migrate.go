package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, and recorded in the
// schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: copy_rules",
		SQL: `
		CREATE TABLE IF NOT EXISTS copy_rules (
			id                       TEXT PRIMARY KEY,
			name                     TEXT NOT NULL DEFAULT '',
			source_chat_id           INTEGER NOT NULL,
			target_chat_id           INTEGER NOT NULL DEFAULT 0,
			target_username          TEXT NOT NULL DEFAULT '',
			thread_id                INTEGER NOT NULL DEFAULT 0,
			disable_notification     INTEGER NOT NULL DEFAULT 0,
			protect_content          INTEGER NOT NULL DEFAULT 0,
			disable_web_page_preview INTEGER NOT NULL DEFAULT 0,
			enabled                  INTEGER NOT NULL DEFAULT 1,
			created_at               INTEGER NOT NULL,
			expires_at               INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_copy_rules_source ON copy_rules(source_chat_id);
		`,
	},
	{
		Version:     2,
		Description: "v2: updated_at column, one rule per source/target/thread",
		SQL: `
		ALTER TABLE copy_rules ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_copy_rules_route
			ON copy_rules(source_chat_id, target_chat_id, target_username, thread_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			logger.Warn("migration failed as a batch, retrying per statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if err := recordVersion(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// applyMigrationStatements applies each statement on its own, skipping the
// ones whose effect is already present (existing column, table or index).
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	return recordVersion(db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func recordVersion(db execer, m migration) error {
	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
