package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/conversation/conversationtest"
	"sentinel/internal/delivery"
	"sentinel/internal/events"
	"sentinel/internal/models"
	"sentinel/internal/repository"
	"sentinel/internal/testutil"
)

var now = time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)

func newNotifier(t *testing.T) (*Notifier, *repository.Store, *conversationtest.Fake, *events.Recorder) {
	t.Helper()
	store := testutil.NewStore(t)
	fake := conversationtest.New()
	manager, err := delivery.NewManager(fake, fake, time.Second)
	require.NoError(t, err)
	rec := &events.Recorder{}
	n, err := NewNotifier(store, manager, rec, Config{Recipients: []string{"mgr-1", "mgr-2"}, TimezoneLabel: "UTC"})
	require.NoError(t, err)
	n.SetClock(func() time.Time { return now })
	return n, store, fake, rec
}

func TestBreachNotifiedExactlyOnce(t *testing.T) {
	n, store, fake, rec := newNotifier(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{Status: models.StatusOpen, ConversationID: "conv-1"})

	report, err := n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 2, fake.SentCount())

	first, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, first.BreachNotifiedTS)

	report, err = n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 2, fake.SentCount())

	second, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, second.BreachNotifiedTS.Equal(*first.BreachNotifiedTS))
	assert.Equal(t, []string{events.IssueBreached}, rec.Types())
}

func TestFailedSendLeavesFlagForRetry(t *testing.T) {
	n, store, fake, _ := newNotifier(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{Status: models.StatusOpen, ConversationID: "conv-1"})
	fake.SendErr = errors.New("503 service unavailable")

	report, err := n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BreachNotifiedTS)
	assert.Nil(t, got.BreachClaimTS)

	fake.SendErr = nil
	report, err = n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
}

func TestPartialDeliveryCountsAsSent(t *testing.T) {
	n, store, fake, _ := newNotifier(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{Status: models.StatusOpen, ConversationID: "conv-1"})
	fake.SendErr = errors.New("invalid contact")
	fake.FailSendTo["mgr-2"] = true

	report, err := n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.BreachNotifiedTS)
}

func TestSelection(t *testing.T) {
	n, store, fake, _ := newNotifier(t)
	ctx := context.Background()
	testutil.CreateIssue(t, store, models.Issue{Status: models.StatusPending, ConversationID: "conv-pending"})
	testutil.CreateIssue(t, store, models.Issue{Status: models.StatusOpen, ConversationID: "conv-future", DueTS: now.Add(time.Hour)})
	gated := testutil.CreateIssue(t, store, models.Issue{Status: models.StatusPending, ConversationID: "conv-gated"})
	_, err := store.Promote(ctx, gated.ID, testutil.Ptr(now))
	require.NoError(t, err)

	report, err := n.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 0, fake.SentCount())
}

func TestDryRunPreviewsOnly(t *testing.T) {
	n, store, fake, _ := newNotifier(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{
		Kind: models.KindCall, Status: models.StatusOpen, ConversationID: "conv-1", Phone: "+15125550123",
	})

	report, err := n.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, report.Previews, 1)
	assert.Contains(t, report.Previews[0], "⏰ Overdue Call (due 5:00pm UTC)")
	assert.Contains(t, report.Previews[0], "+1***0123")
	assert.Equal(t, 0, fake.SentCount())

	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BreachNotifiedTS)
	assert.Nil(t, got.BreachClaimTS)
}
