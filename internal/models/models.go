package models

import (
	"time"
)

// Kind is the channel an obligation arrived on.
type Kind string

const (
	KindSMS  Kind = "SMS"
	KindCall Kind = "CALL"
)

// Status is the lifecycle state of an Issue.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
	StatusSpam     Status = "SPAM"
)

// Active reports whether the status still carries an obligation.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusOpen
}

// Terminal reports whether nothing can move the issue out of this status.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusSpam
}

// Issue is one follow-up obligation.
type Issue struct {
	ID               int64
	Kind             Kind
	Status           Status
	ContactID        string
	Phone            string
	ConversationID   string // empty until known
	CreatedTS        time.Time
	DueTS            time.Time
	ResolvedTS       *time.Time
	BreachNotifiedTS *time.Time
	BreachClaimTS    *time.Time
	GatedTS          *time.Time
	FirstInboundTS   *time.Time
	LastInboundTS    *time.Time
	InboundCount     int
	OutboundCount    int
	Meta             Meta
}

// Gated reports whether the advisory gate suppressed escalation for this issue.
func (i *Issue) Gated() bool {
	return i.GatedTS != nil
}

// BaseTS is the instant a qualifying reply must come after.
// Texts count from the first inbound message; calls from issue creation.
func (i *Issue) BaseTS() time.Time {
	if i.Kind == KindSMS && i.FirstInboundTS != nil {
		return *i.FirstInboundTS
	}
	return i.CreatedTS
}

// Meta holds structured annotations on an issue.
type Meta struct {
	ContactName     string              `json:"contact_name,omitempty"`
	LastText        string              `json:"last_text,omitempty"`
	Source          string              `json:"source,omitempty"`
	PromotionReason string              `json:"promotion_reason,omitempty"`
	ResolvedBy      string              `json:"resolved_by,omitempty"`
	Notes           []Note              `json:"notes,omitempty"`
	Suppressions    []SuppressionRecord `json:"suppressions,omitempty"`
	Advisory        *AdvisoryRecord     `json:"advisory,omitempty"`
}

// Note is a manager annotation added with the NOTE command.
type Note struct {
	TS   time.Time `json:"ts"`
	By   string    `json:"by,omitempty"`
	Text string    `json:"text"`
}

// SuppressionRecord is the audit entry for an inbound message that did not create or update an issue.
type SuppressionRecord struct {
	TS     time.Time `json:"ts"`
	Rule   string    `json:"rule"`
	Reason string    `json:"reason"`
	Text   string    `json:"text,omitempty"`
}

// AdvisoryRecord stores the advisory outcome that was applied to an issue.
type AdvisoryRecord struct {
	TS            time.Time `json:"ts"`
	Outcome       string    `json:"outcome"`
	NeedsFollowup bool      `json:"needs_followup"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason,omitempty"`
}

// RawEvent is an archived inbound payload. Raw events are append-only.
type RawEvent struct {
	ID         int64
	ReceivedTS time.Time
	Source     string
	Payload    []byte
}

// ConversationMarker records the latest internally initiated outbound message on a conversation.
type ConversationMarker struct {
	ConversationID       string
	LastInternalOutbound time.Time
}
