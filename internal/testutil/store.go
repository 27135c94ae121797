// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentinel/internal/db"
	"sentinel/internal/models"
	"sentinel/internal/repository"
)

// NewStore returns a repository backed by a private in-memory SQLite database.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	conn, err := db.Connect(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return repository.NewStore(conn)
}

// Ptr returns a pointer to a time, for optional timestamp fields.
func Ptr(t time.Time) *time.Time {
	return &t
}

// CreateIssue inserts an issue in the given status with sensible defaults and returns it reloaded.
func CreateIssue(t testing.TB, store *repository.Store, issue models.Issue) *models.Issue {
	t.Helper()
	if issue.Kind == "" {
		issue.Kind = models.KindSMS
	}
	if issue.Status == "" {
		issue.Status = models.StatusPending
	}
	if issue.CreatedTS.IsZero() {
		issue.CreatedTS = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	}
	if issue.DueTS.IsZero() {
		issue.DueTS = issue.CreatedTS.Add(2 * time.Hour)
	}
	if issue.Kind == models.KindSMS && issue.FirstInboundTS == nil {
		issue.FirstInboundTS = Ptr(issue.CreatedTS)
		issue.LastInboundTS = Ptr(issue.CreatedTS)
		issue.InboundCount = 1
	}
	require.NoError(t, store.CreateIssue(context.Background(), &issue))
	loaded, err := store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	return loaded
}
