package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// SchemaVersion is the version the migrations below bring a database to.
const SchemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "outreach_queue: durable retry queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS outreach_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			lead_id     TEXT NOT NULL,
			priority    INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			request     TEXT NOT NULL,
			error       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_order ON outreach_queue(priority, enqueued_at, seq);
		`,
	},
	{
		Version:     2,
		Description: "interactions: append-only lead timeline",
		SQL: `
		CREATE TABLE IF NOT EXISTS interactions (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			lead_id       TEXT NOT NULL,
			lead_name     TEXT DEFAULT '',
			company       TEXT DEFAULT '',
			type          TEXT NOT NULL,
			ts            INTEGER NOT NULL,
			details       TEXT DEFAULT '',
			message_id    TEXT DEFAULT '',
			crm_item_id   TEXT DEFAULT '',
			status_before TEXT DEFAULT '',
			status_after  TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_lead ON interactions(lead_id, ts);
		CREATE INDEX IF NOT EXISTS idx_interactions_ts ON interactions(ts);
		`,
	},
	{
		Version:     3,
		Description: "queue_lease: single queue owner per database",
		SQL: `
		CREATE TABLE IF NOT EXISTS queue_lease (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			owner        TEXT NOT NULL,
			pid          INTEGER NOT NULL,
			addr         TEXT DEFAULT '',
			heartbeat_at INTEGER NOT NULL
		);
		`,
	},
}

// RunMigrations applies every migration newer than the recorded version.
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

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			logger.Warn("migration batch failed, applying statements one by one",
				"version", m.Version,
				"err", err,
			)
			if err := applyStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// applyStatements runs each statement of m separately and skips the ones
// whose objects already exist.
func applyStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
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
