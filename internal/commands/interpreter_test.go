package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/events"
	"sentinel/internal/models"
	"sentinel/internal/repository"
	"sentinel/internal/testutil"
)

var (
	manager = Sender{ContactID: "mgr-1", IsManager: true}
	now     = time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC)
)

type fakeLinker struct{}

func (fakeLinker) ConversationLink(id string) string {
	return "https://app.example.com/conversations/" + id
}

func newInterpreter(t *testing.T) (*Interpreter, *repository.Store, *events.Recorder) {
	t.Helper()
	store := testutil.NewStore(t)
	rec := &events.Recorder{}
	in, err := NewInterpreter(store, fakeLinker{}, rec, Config{PageSize: 2})
	require.NoError(t, err)
	in.SetClock(func() time.Time { return now })
	return in, store, rec
}

func openIssue(t *testing.T, store *repository.Store, n int) *models.Issue {
	return testutil.CreateIssue(t, store, models.Issue{
		Status:         models.StatusOpen,
		ConversationID: fmt.Sprintf("conv-%d", n),
		Phone:          fmt.Sprintf("+1512555%04d", n),
		CreatedTS:      now.Add(-time.Duration(10-n) * time.Hour),
	})
}

func TestParse(t *testing.T) {
	c := Parse("  Sentinel: RESOLVE #3,5 6 ")
	assert.True(t, c.Addressed)
	assert.Equal(t, "resolve", c.Name)
	assert.Equal(t, []int64{3, 5, 6}, ParseIDs(c.Args))

	assert.Equal(t, []int64{4}, ParseIDs([]string{"4", "#4", "x", "0", "-2", "5125550123"}))
	assert.Equal(t, "", Parse("   ").Name)
	assert.False(t, Parse("sentinels are cool").Addressed)
}

func TestResolveReportsPerID(t *testing.T) {
	in, store, rec := newInterpreter(t)
	ctx := context.Background()
	a := openIssue(t, store, 1)
	b := openIssue(t, store, 2)
	missing := b.ID + 100

	reply := in.Handle(ctx, manager, fmt.Sprintf("resolve %d,%d %d", a.ID, missing, b.ID))
	assert.True(t, reply.Handled)
	assert.Equal(t, "RESOLVE", reply.Command)
	assert.Equal(t, fmt.Sprintf("Sentinel: Resolved %d, %d. Not found: %d.", a.ID, b.ID, missing), reply.Text)

	for _, id := range []int64{a.ID, b.ID} {
		got, err := store.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusResolved, got.Status)
		assert.Equal(t, "manager:mgr-1", got.Meta.ResolvedBy)
	}
	assert.Equal(t, []string{events.IssueResolved, events.IssueResolved}, rec.Types())

	reply = in.Handle(ctx, manager, fmt.Sprintf("Resolve #%d", a.ID))
	assert.Equal(t, fmt.Sprintf("Sentinel: Already closed: %d.", a.ID), reply.Text)
}

// failingStore fails reads of one issue.
type failingStore struct {
	*repository.Store
	failID int64
}

func (s *failingStore) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	if id == s.failID {
		return nil, errors.New("database is locked")
	}
	return s.Store.GetIssue(ctx, id)
}

func TestResolveContinuesPastStoreFailure(t *testing.T) {
	store := testutil.NewStore(t)
	a := openIssue(t, store, 1)
	b := openIssue(t, store, 2)
	c := openIssue(t, store, 3)

	in, err := NewInterpreter(&failingStore{Store: store, failID: b.ID}, fakeLinker{}, &events.Recorder{}, Config{PageSize: 2})
	require.NoError(t, err)
	in.SetClock(func() time.Time { return now })
	ctx := context.Background()

	reply := in.Handle(ctx, manager, fmt.Sprintf("resolve %d %d %d", a.ID, b.ID, c.ID))
	assert.True(t, reply.Handled)
	assert.Equal(t, fmt.Sprintf("Sentinel: Resolved %d, %d. Failed: %d.", a.ID, c.ID, b.ID), reply.Text)

	for id, want := range map[int64]models.Status{a.ID: models.StatusResolved, b.ID: models.StatusOpen, c.ID: models.StatusResolved} {
		issue, err := store.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, issue.Status, "issue %d", id)
	}
}

func TestResolveWorksOnPending(t *testing.T) {
	in, store, _ := newInterpreter(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{ConversationID: "conv-p"})

	in.Handle(ctx, manager, fmt.Sprintf("resolve %d", issue.ID))
	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
}

func TestSpamByIDAndPhone(t *testing.T) {
	in, store, rec := newInterpreter(t)
	ctx := context.Background()
	a := openIssue(t, store, 1)
	b := openIssue(t, store, 2)

	reply := in.Handle(ctx, manager, fmt.Sprintf("spam %d", a.ID))
	assert.Equal(t, fmt.Sprintf("Sentinel: Marked SPAM %d.", a.ID), reply.Text)
	spam, err := store.IsSpamPhone(ctx, a.Phone)
	require.NoError(t, err)
	assert.True(t, spam)

	reply = in.Handle(ctx, manager, "Spam (512) 555-0002")
	assert.Equal(t, "Sentinel: Marked SPAM +15125550002.", reply.Text)
	got, err := store.GetIssue(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSpam, got.Status)
	assert.Equal(t, []string{events.IssueSpam, events.IssueSpam}, rec.Types())

	reply = in.Handle(ctx, manager, "spam nobody")
	assert.Equal(t, "Sentinel: Invalid phone or IDs.", reply.Text)
}

func TestResolveByTarget(t *testing.T) {
	in, store, _ := newInterpreter(t)
	ctx := context.Background()
	issue := testutil.CreateIssue(t, store, models.Issue{
		Status: models.StatusOpen, ConversationID: "conv-ana", Phone: "+15125550009", Meta: models.Meta{ContactName: "Ana Lopez"},
	})

	reply := in.Handle(ctx, manager, "resolve ana")
	assert.Equal(t, "Sentinel: Resolved 1 issue(s) for 'ana'.", reply.Text)
	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
}

func TestListAndMore(t *testing.T) {
	in, store, _ := newInterpreter(t)
	ctx := context.Background()
	for n := 1; n <= 3; n++ {
		openIssue(t, store, n)
	}

	reply := in.Handle(ctx, manager, "list")
	assert.Contains(t, reply.Text, "OPEN (3) — showing 1-2")
	assert.Contains(t, reply.Text, "Reply: More")

	reply = in.Handle(ctx, manager, "MORE")
	assert.Contains(t, reply.Text, "OPEN (3) — showing 3-3")
	assert.NotContains(t, reply.Text, "Reply: More")

	reply = in.Handle(ctx, manager, "more")
	assert.Equal(t, "No more OPEN issues. Reply: List", reply.Text)

	// Sessions are per manager; a fresh one starts at the first page.
	other := Sender{ContactID: "mgr-2", IsManager: true}
	reply = in.Handle(ctx, other, "more")
	assert.Contains(t, reply.Text, "showing 1-2")
}

func TestListEmpty(t *testing.T) {
	in, _, _ := newInterpreter(t)
	assert.Equal(t, "No OPEN issues.", in.Handle(context.Background(), manager, "List").Text)
}

func TestOpenAndNote(t *testing.T) {
	in, store, _ := newInterpreter(t)
	ctx := context.Background()
	issue := openIssue(t, store, 1)

	reply := in.Handle(ctx, manager, fmt.Sprintf("open #%d", issue.ID))
	assert.Equal(t, fmt.Sprintf("#%d +1***0001: https://app.example.com/conversations/conv-1", issue.ID), reply.Text)
	assert.Equal(t, "Issue #999 not found.", in.Handle(ctx, manager, "open 999").Text)

	reply = in.Handle(ctx, manager, fmt.Sprintf("note %d called back, left voicemail", issue.ID))
	assert.Equal(t, fmt.Sprintf("Noted #%d.", issue.ID), reply.Text)
	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, got.Meta.Notes, 1)
	assert.Equal(t, "called back, left voicemail", got.Meta.Notes[0].Text)
	assert.Equal(t, "mgr-1", got.Meta.Notes[0].By)

	assert.Equal(t, "Usage: Note <id> <text>", in.Handle(ctx, manager, "note 3").Text)
	assert.Equal(t, "Issue #999 not found.", in.Handle(ctx, manager, "note 999 hi").Text)
}

func TestUnrecognizedText(t *testing.T) {
	in, _, _ := newInterpreter(t)
	ctx := context.Background()

	assert.False(t, in.Handle(ctx, Sender{ContactID: "c-1"}, "list").Handled)
	assert.False(t, in.Handle(ctx, manager, "running 10 minutes late").Handled)
	assert.False(t, in.Handle(ctx, manager, "").Handled)

	reply := in.Handle(ctx, manager, "sentinel what's up")
	assert.True(t, reply.Handled)
	assert.Contains(t, reply.Text, "could not understand")

	assert.Contains(t, in.Handle(ctx, manager, "help").Text, "Resolve 3 5 6")
	assert.Equal(t, "Usage: Open <id>", in.Handle(ctx, manager, "open").Text)
	assert.Equal(t, "Invalid issue id", in.Handle(ctx, manager, "open abc").Text)
}
