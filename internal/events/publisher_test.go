package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sentinel/internal/models"
)

func TestQueueName(t *testing.T) {
	r := &Rabbit{
		cfg:      RabbitConfig{Prefix: "sentinel", Queue: "events"},
		specific: map[string]bool{IssueBreached: true},
	}
	assert.Equal(t, "sentinel_events", r.queueName(IssueCreated))
	assert.Equal(t, "sentinel_issue_breach_notified", r.queueName(IssueBreached))
}

func TestNewRabbitRequiresURL(t *testing.T) {
	_, err := NewRabbit(context.Background(), RabbitConfig{})
	assert.Error(t, err)
}

func TestForIssueAndRecorder(t *testing.T) {
	issue := &models.Issue{ID: 7, Kind: models.KindCall, Status: models.StatusOpen, ConversationID: "conv-1"}
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.FixedZone("CST", -6*3600))

	ev := ForIssue(IssueOpened, issue, at)
	assert.Equal(t, int64(7), ev.IssueID)
	assert.Equal(t, time.UTC, ev.At.Location())

	var rec Recorder
	var p Publisher = &rec
	p.Publish(context.Background(), ev)
	Nop{}.Publish(context.Background(), ev)
	assert.Equal(t, []string{IssueOpened}, rec.Types())

	assert.NoError(t, p.Close())
	assert.NoError(t, Nop{}.Close())
	assert.Equal(t, []string{IssueOpened}, rec.Types())
}
