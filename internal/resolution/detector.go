// Package resolution decides whether staff has answered an issue and drives the verify and resolver passes.
package resolution

import (
	"context"
	"errors"
	"strings"
	"time"

	"sentinel/internal/conversation"
	"sentinel/internal/models"
)

// Check is what the conversation history says about one issue.
type Check struct {
	Resolved      bool
	ReplyTS       time.Time
	ReplyBy       string
	OutboundCount int
	Messages      []conversation.Message
}

// Detector scans conversation history for a qualifying staff reply.
type Detector struct {
	history conversation.History
	staff   map[string]bool
	timeout time.Duration
}

// NewDetector creates a Detector. Only outbound messages sent by one of staffIdentities count as replies.
func NewDetector(history conversation.History, staffIdentities []string, timeout time.Duration) (*Detector, error) {
	if history == nil {
		return nil, errors.New("conversation history cannot be nil")
	}
	staff := make(map[string]bool, len(staffIdentities))
	for _, id := range staffIdentities {
		if id = strings.TrimSpace(id); id != "" {
			staff[id] = true
		}
	}
	if len(staff) == 0 {
		return nil, errors.New("staff identity allow-list is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Detector{history: history, staff: staff, timeout: timeout}, nil
}

// Check fetches the issue's conversation and looks for the earliest staff reply after the issue's base instant.
// It returns conversation.ErrNoConversation when the issue has no conversation linked.
func (d *Detector) Check(ctx context.Context, issue *models.Issue) (Check, error) {
	if issue.ConversationID == "" {
		return Check{}, conversation.ErrNoConversation
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msgs, err := d.history.ListMessages(ctx, issue.ConversationID)
	if err != nil {
		return Check{}, err
	}

	base := issue.BaseTS()
	c := Check{Messages: msgs}
	for _, m := range msgs {
		if m.Direction != conversation.Outbound {
			continue
		}
		c.OutboundCount++
		if !d.staff[m.SenderIdentity] || !m.Timestamp.After(base) {
			continue
		}
		if !c.Resolved || m.Timestamp.Before(c.ReplyTS) {
			c.Resolved = true
			c.ReplyTS = m.Timestamp
			c.ReplyBy = m.SenderIdentity
		}
	}
	return c, nil
}
