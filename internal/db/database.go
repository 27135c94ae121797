package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Connect opens the database for the given driver ("sqlite" or "postgres") and applies the schema.
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		log.Error().Err(err).Str("driver", driver).Msg("Failed to connect to database")
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY between our own goroutines.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established and schema applied")
	return db, nil
}

// Migrate creates tables and indexes that do not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts := sqliteSchema
	if db.DriverName() == "postgres" {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %.40q: %w", stmt, err)
		}
	}
	return nil
}

// Shared between dialects: timestamps are fixed-width UTC text so ordering is lexical.
const sharedTail = `
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	contact_id TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	conversation_id TEXT,
	created_ts TEXT NOT NULL,
	due_ts TEXT NOT NULL,
	resolved_ts TEXT,
	breach_notified_ts TEXT,
	breach_claim_ts TEXT,
	gated_ts TEXT,
	first_inbound_ts TEXT,
	last_inbound_ts TEXT,
	inbound_count INTEGER NOT NULL DEFAULT 0,
	outbound_count INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}'
)`

var commonIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS issues_active_conversation
		ON issues(conversation_id, kind)
		WHERE status IN ('PENDING','OPEN') AND conversation_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS issues_status_due ON issues(status, due_ts)`,
	`CREATE INDEX IF NOT EXISTS issues_phone ON issues(phone, kind, status)`,
	`CREATE INDEX IF NOT EXISTS issues_resolved ON issues(status, resolved_ts)`,
	`CREATE TABLE IF NOT EXISTS conversation_markers (
		conversation_id TEXT PRIMARY KEY,
		last_internal_outbound_ts TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		name TEXT PRIMARY KEY,
		ts TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS spam_phones (
		phone TEXT PRIMARY KEY,
		created_ts TEXT NOT NULL
	)`,
}

var sqliteSchema = append([]string{
	`CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,` + sharedTail,
	`CREATE TABLE IF NOT EXISTS raw_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_ts TEXT NOT NULL,
		source TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
}, commonIndexes...)

var postgresSchema = append([]string{
	`CREATE TABLE IF NOT EXISTS issues (
	id BIGSERIAL PRIMARY KEY,` + sharedTail,
	`CREATE TABLE IF NOT EXISTS raw_events (
		id BIGSERIAL PRIMARY KEY,
		received_ts TEXT NOT NULL,
		source TEXT NOT NULL,
		payload TEXT NOT NULL
	)`,
}, commonIndexes...)
