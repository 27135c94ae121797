package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a looked-up issue does not exist.
	ErrNotFound = errors.New("issue not found")
	// ErrActiveIssueExists is returned by CreateIssue when the conversation already has an active issue of that kind.
	ErrActiveIssueExists = errors.New("active issue already exists")
)

// tsLayout is fixed-width UTC so stored timestamps compare correctly as text on every driver.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Store persists issues and the bookkeeping records around them.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle. The schema must already be applied.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		// Fall back for rows written by hand or by older tooling.
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC()
}

func nullTS(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTS(v.String)
	return &t
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// applied reports whether a conditional update matched a row.
func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
