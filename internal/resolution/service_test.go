package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/advisory"
	"sentinel/internal/conversation"
	"sentinel/internal/conversation/conversationtest"
	"sentinel/internal/events"
	"sentinel/internal/models"
	"sentinel/internal/repository"
	"sentinel/internal/testutil"
)

var (
	created = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	now     = created.Add(3 * time.Hour)
)

type fixture struct {
	store   *repository.Store
	conv    *conversationtest.Fake
	events  *events.Recorder
	service *Service
}

func newFixture(t *testing.T, gate *advisory.Gate) *fixture {
	t.Helper()
	f := &fixture{store: testutil.NewStore(t), conv: conversationtest.New(), events: &events.Recorder{}}
	detector, err := NewDetector(f.conv, []string{"staff-1", "staff-2"}, time.Second)
	require.NoError(t, err)
	f.service, err = NewService(f.store, detector, f.conv, gate, f.events)
	require.NoError(t, err)
	f.service.SetClock(func() time.Time { return now })
	return f
}

func (f *fixture) issue(t *testing.T, issue models.Issue) *models.Issue {
	return testutil.CreateIssue(t, f.store, issue)
}

func inbound(at time.Time) conversation.Message {
	return conversation.Message{Direction: conversation.Inbound, Timestamp: at, Body: "hello?"}
}

func outbound(sender string, at time.Time) conversation.Message {
	return conversation.Message{Direction: conversation.Outbound, SenderIdentity: sender, Timestamp: at, Body: "on it"}
}

func TestNewDetectorRequiresAllowList(t *testing.T) {
	_, err := NewDetector(conversationtest.New(), []string{" ", ""}, time.Second)
	assert.Error(t, err)
}

func TestOnlyStaffRepliesResolve(t *testing.T) {
	for _, tc := range []struct {
		name   string
		sender string
		want   models.Status
	}{
		{"automated outbound", "", models.StatusOpen},
		{"unknown user", "workflow-bot", models.StatusOpen},
		{"staff reply", "staff-2", models.StatusResolved},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			issue := f.issue(t, models.Issue{ConversationID: "conv-1"})
			reply := created.Add(20 * time.Minute)
			f.conv.Messages["conv-1"] = []conversation.Message{inbound(created), outbound(tc.sender, reply)}

			report, err := f.service.VerifyPending(ctx, Options{})
			require.NoError(t, err)
			assert.Equal(t, 1, report.Checked)

			got, err := f.store.GetIssue(ctx, issue.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, 1, got.OutboundCount)
			if tc.want == models.StatusResolved {
				require.NotNil(t, got.ResolvedTS)
				assert.True(t, got.ResolvedTS.Equal(reply))
				assert.Equal(t, "staff:staff-2", got.Meta.ResolvedBy)
			} else {
				assert.Equal(t, ReasonNoStaffReply, got.Meta.PromotionReason)
			}
		})
	}
}

func TestEarliestStaffReplyAfterFirstInbound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	issue := f.issue(t, models.Issue{ConversationID: "conv-1"})
	f.conv.Messages["conv-1"] = []conversation.Message{
		outbound("staff-1", created.Add(-time.Hour)),
		outbound("staff-1", created),
		inbound(created),
		outbound("staff-1", created.Add(40*time.Minute)),
		outbound("staff-2", created.Add(30*time.Minute)),
	}

	check, err := f.service.detector.Check(ctx, issue)
	require.NoError(t, err)
	assert.True(t, check.Resolved)
	assert.True(t, check.ReplyTS.Equal(created.Add(30*time.Minute)))
	assert.Equal(t, "staff-2", check.ReplyBy)
	assert.Equal(t, 4, check.OutboundCount)
}

func TestMissingConversationIsBackfilledOrPromoted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	lonely := f.issue(t, models.Issue{ContactID: "c-lonely", Phone: "+15550000001"})
	linked := f.issue(t, models.Issue{ContactID: "c-2", Phone: "+15550000002"})
	f.conv.Conversations["c-2"] = "conv-2"
	f.conv.Messages["conv-2"] = []conversation.Message{inbound(created), outbound("staff-1", created.Add(time.Minute))}

	report, err := f.service.VerifyPending(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Resolved)

	got, err := f.store.GetIssue(ctx, lonely.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, ReasonNoConversation, got.Meta.PromotionReason)

	got, err = f.store.GetIssue(ctx, linked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
	assert.Equal(t, "conv-2", got.ConversationID)
}

func TestHistoryFailureLeavesIssuePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	issue := f.issue(t, models.Issue{ConversationID: "conv-1"})
	f.conv.HistoryErr = errors.New("502 bad gateway")

	report, err := f.service.VerifyPending(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	got, err := f.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestNotYetDueIsLeftAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.issue(t, models.Issue{ConversationID: "conv-1", DueTS: now.Add(time.Hour)})

	report, err := f.service.VerifyPending(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 0, f.conv.HistoryCalls)
}

func TestDryRunChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	issue := f.issue(t, models.Issue{ConversationID: "conv-1"})
	f.conv.Messages["conv-1"] = []conversation.Message{inbound(created), outbound("staff-1", created.Add(time.Minute))}

	report, err := f.service.VerifyPending(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	got, err := f.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.OutboundCount)
	assert.Empty(t, f.events.Types())
}

type fixedClassifier struct {
	verdict advisory.Verdict
	calls   int
}

func (c *fixedClassifier) Classify(context.Context, string, float64) (advisory.Verdict, error) {
	c.calls++
	return c.verdict, nil
}

func TestAdvisoryGateKeepsIssueOpenButQuiet(t *testing.T) {
	classifier := &fixedClassifier{verdict: advisory.Verdict{NeedsFollowup: false, Confidence: 0.97, Reason: "customer said thanks"}}
	gate, err := advisory.NewGate(classifier, advisory.Config{Threshold: 0.9})
	require.NoError(t, err)
	f := newFixture(t, gate)
	ctx := context.Background()
	issue := f.issue(t, models.Issue{ConversationID: "conv-1"})
	f.conv.Messages["conv-1"] = []conversation.Message{inbound(created)}

	report, err := f.service.VerifyPending(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gated)
	assert.Equal(t, 0, report.Resolved)

	got, err := f.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.True(t, got.Gated())
	assert.Nil(t, got.ResolvedTS)
	require.NotNil(t, got.Meta.Advisory)
	assert.Equal(t, string(advisory.Decision), got.Meta.Advisory.Outcome)
	assert.Equal(t, ReasonAdvisoryGated, got.Meta.PromotionReason)
}

func TestAdvisoryBudgetStopsPass(t *testing.T) {
	classifier := &fixedClassifier{verdict: advisory.Verdict{NeedsFollowup: true, Confidence: 0.9}}
	gate, err := advisory.NewGate(classifier, advisory.Config{Threshold: 0.9, MaxCalls: 1})
	require.NoError(t, err)
	f := newFixture(t, gate)
	ctx := context.Background()
	first := f.issue(t, models.Issue{ConversationID: "conv-1", Phone: "+15550000001"})
	second := f.issue(t, models.Issue{ConversationID: "conv-2", Phone: "+15550000002", DueTS: first.DueTS.Add(time.Minute)})
	f.conv.Messages["conv-1"] = []conversation.Message{inbound(created)}
	f.conv.Messages["conv-2"] = []conversation.Message{inbound(created)}

	report, err := f.service.VerifyPending(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, report.BudgetExhausted)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, classifier.calls)

	got, err := f.store.GetIssue(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestResolveOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	answered := f.issue(t, models.Issue{Status: models.StatusOpen, ConversationID: "conv-1", Phone: "+15550000001"})
	waiting := f.issue(t, models.Issue{Status: models.StatusOpen, ConversationID: "conv-2", Phone: "+15550000002"})
	call := f.issue(t, models.Issue{Kind: models.KindCall, Status: models.StatusOpen, ConversationID: "conv-3", Phone: "+15550000003"})
	f.conv.Messages["conv-1"] = []conversation.Message{inbound(created), outbound("staff-1", created.Add(4*time.Hour))}
	f.conv.Messages["conv-2"] = []conversation.Message{inbound(created), outbound("", created.Add(time.Minute))}
	f.conv.Messages["conv-3"] = []conversation.Message{outbound("staff-2", created.Add(time.Minute))}

	report, err := f.service.ResolveOpen(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Resolved)

	for id, want := range map[int64]models.Status{
		answered.ID: models.StatusResolved,
		waiting.ID:  models.StatusOpen,
		call.ID:     models.StatusResolved,
	} {
		got, err := f.store.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "issue %d", id)
	}
	assert.Equal(t, []string{events.IssueResolved, events.IssueResolved}, f.events.Types())

	// Nothing left to do on a second run.
	report, err = f.service.ResolveOpen(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)
}
