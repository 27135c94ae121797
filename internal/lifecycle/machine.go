// Package lifecycle turns inbound contact events into follow-up issues.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sentinel/internal/bizhours"
	"sentinel/internal/conversation"
	"sentinel/internal/events"
	"sentinel/internal/models"
	"sentinel/internal/repository"
	"sentinel/internal/suppression"
)

// InboundEvent is a normalized contact event.
type InboundEvent struct {
	Kind           models.Kind
	ContactID      string
	Phone          string
	ConversationID string
	ContactName    string
	Body           string
	SenderIdentity string
	OccurredAt     time.Time
	IsOutbound     bool
	// MarkerHint carries routing context from the source system, e.g. the voicemail route of a call.
	MarkerHint string
}

// Action is what HandleInbound did with an event.
type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionSuppressed Action = "suppressed"
	ActionIgnored    Action = "ignored"
	ActionMarked     Action = "marked"
)

// Outcome reports the effect of one event.
type Outcome struct {
	Action  Action `json:"action"`
	IssueID int64  `json:"issue_id,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// errIssueClosed means the matched issue left PENDING/OPEN before the inbound was recorded.
var errIssueClosed = errors.New("issue closed during update")

// Store is the slice of the issue repository the machine writes through.
type Store interface {
	IsSpamPhone(ctx context.Context, phone string) (bool, error)
	FindActiveIssue(ctx context.Context, kind models.Kind, conversationID, phone string) (*models.Issue, error)
	LatestIssueForConversation(ctx context.Context, conversationID string) (*models.Issue, error)
	CreateIssue(ctx context.Context, issue *models.Issue) error
	RecordInbound(ctx context.Context, id int64, at time.Time, conversationID string) (bool, error)
	UpdateMeta(ctx context.Context, id int64, fn func(m *models.Meta)) error
	UpsertMarker(ctx context.Context, conversationID string, at time.Time) error
	GetMarker(ctx context.Context, conversationID string) (*models.ConversationMarker, error)
}

// Config holds the state machine settings.
type Config struct {
	SMSSLA          time.Duration
	CallSLA         time.Duration
	VoicemailRoutes []string
	// StaffIdentities are the sender ids whose outbound messages mark an internal thread.
	StaffIdentities []string
	LookupTimeout   time.Duration
}

// Machine creates and updates issues from inbound events.
type Machine struct {
	store     Store
	window    bizhours.Window
	evaluator *suppression.Evaluator
	directory conversation.Directory
	publisher events.Publisher
	cfg       Config
	routes    map[string]bool
	staff     map[string]bool
	now       func() time.Time
}

// NewMachine creates a Machine. directory and publisher may be nil.
func NewMachine(store Store, window bizhours.Window, evaluator *suppression.Evaluator, directory conversation.Directory, publisher events.Publisher, cfg Config) (*Machine, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if evaluator == nil {
		return nil, errors.New("suppression evaluator cannot be nil")
	}
	if cfg.SMSSLA <= 0 || cfg.CallSLA <= 0 {
		return nil, errors.New("SLA durations must be positive")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	routes := make(map[string]bool, len(cfg.VoicemailRoutes))
	for _, r := range cfg.VoicemailRoutes {
		routes[strings.ToLower(strings.TrimSpace(r))] = true
	}
	staff := make(map[string]bool, len(cfg.StaffIdentities))
	for _, id := range cfg.StaffIdentities {
		if id = strings.TrimSpace(id); id != "" {
			staff[id] = true
		}
	}
	return &Machine{
		store:     store,
		window:    window,
		evaluator: evaluator,
		directory: directory,
		publisher: publisher,
		cfg:       cfg,
		routes:    routes,
		staff:     staff,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// WatchedRoute returns the first of routes that creates CALL issues.
func (m *Machine) WatchedRoute(routes []string) (string, bool) {
	for _, r := range routes {
		if m.watches(r) {
			return strings.TrimSpace(r), true
		}
	}
	return "", false
}

func (m *Machine) watches(route string) bool {
	return m.routes[strings.ToLower(strings.TrimSpace(route))]
}

// DueFor computes the deadline for a new issue of kind opened at base.
func (m *Machine) DueFor(kind models.Kind, base time.Time) time.Time {
	sla := m.cfg.SMSSLA
	if kind == models.KindCall {
		sla = m.cfg.CallSLA
	}
	return m.window.Add(base, sla)
}

// HandleInbound applies one event. Only storage failures are returned as errors.
func (m *Machine) HandleInbound(ctx context.Context, ev InboundEvent) (Outcome, error) {
	now := m.now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	logger := log.With().Str("kind", string(ev.Kind)).Str("contactID", ev.ContactID).Str("conversationID", ev.ConversationID).Logger()

	if ev.IsOutbound {
		return m.handleOutbound(ctx, ev)
	}

	if ev.Kind == models.KindCall && !m.watches(ev.MarkerHint) {
		logger.Debug().Str("route", ev.MarkerHint).Msg("Ignoring call outside watched voicemail routes")
		return Outcome{Action: ActionIgnored, Reason: "call route not watched"}, nil
	}

	spam, err := m.store.IsSpamPhone(ctx, ev.Phone)
	if err != nil {
		return Outcome{}, err
	}
	if spam {
		logger.Info().Msg("Ignoring inbound from spam-listed phone")
		return Outcome{Action: ActionIgnored, Reason: "phone marked as spam"}, nil
	}

	if ev.ConversationID == "" {
		ev.ConversationID = m.lookupConversation(ctx, ev.ContactID, ev.Phone)
	}

	if ev.Kind == models.KindSMS {
		if out, suppressed, err := m.screen(ctx, ev); err != nil || suppressed {
			return out, err
		}
	}

	out, err := m.upsert(ctx, ev, now)
	if errors.Is(err, repository.ErrActiveIssueExists) || errors.Is(err, errIssueClosed) {
		// The active issue changed underneath; screen again and retry once.
		if ev.Kind == models.KindSMS {
			if out, suppressed, err := m.screen(ctx, ev); err != nil || suppressed {
				return out, err
			}
		}
		out, err = m.upsert(ctx, ev, now)
	}
	return out, err
}

func (m *Machine) handleOutbound(ctx context.Context, ev InboundEvent) (Outcome, error) {
	if ev.ConversationID == "" {
		return Outcome{Action: ActionIgnored, Reason: "outbound without conversation"}, nil
	}
	if !m.staff[strings.TrimSpace(ev.SenderIdentity)] {
		// Workflow and auto-reply sends never open an internal thread.
		return Outcome{Action: ActionIgnored, Reason: "automated outbound"}, nil
	}
	for _, kind := range []models.Kind{models.KindSMS, models.KindCall} {
		active, err := m.store.FindActiveIssue(ctx, kind, ev.ConversationID, "")
		if err != nil {
			return Outcome{}, err
		}
		if active != nil {
			// A reply on an open obligation; the resolution passes judge it.
			return Outcome{Action: ActionIgnored, IssueID: active.ID, Reason: "outbound reply on active issue"}, nil
		}
	}
	if err := m.store.UpsertMarker(ctx, ev.ConversationID, ev.OccurredAt); err != nil {
		return Outcome{}, err
	}
	log.Debug().Str("conversationID", ev.ConversationID).Time("at", ev.OccurredAt).Msg("Recorded internally initiated outbound")
	return Outcome{Action: ActionMarked}, nil
}

func (m *Machine) lookupConversation(ctx context.Context, contactID, phone string) string {
	if m.directory == nil || (contactID == "" && phone == "") {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()
	id, err := m.directory.FindConversationID(ctx, contactID, phone)
	if err != nil {
		log.Debug().Err(err).Str("contactID", contactID).Msg("Conversation lookup failed, continuing without it")
		return ""
	}
	return id
}

func (m *Machine) screen(ctx context.Context, ev InboundEvent) (Outcome, bool, error) {
	marker, err := m.store.GetMarker(ctx, ev.ConversationID)
	if err != nil {
		return Outcome{}, false, err
	}
	latest, err := m.store.LatestIssueForConversation(ctx, ev.ConversationID)
	if err != nil {
		return Outcome{}, false, err
	}

	d := m.evaluator.Evaluate(suppression.Input{Text: ev.Body, OccurredAt: ev.OccurredAt, Marker: marker, Latest: latest})
	if !d.Suppressed {
		return Outcome{}, false, nil
	}

	out := Outcome{Action: ActionSuppressed, Rule: d.Rule, Reason: d.Reason}
	if latest != nil {
		out.IssueID = latest.ID
		record := models.SuppressionRecord{TS: ev.OccurredAt.UTC(), Rule: d.Rule, Reason: d.Reason, Text: clip(ev.Body, 160)}
		if err := m.store.UpdateMeta(ctx, latest.ID, func(meta *models.Meta) {
			meta.Suppressions = append(meta.Suppressions, record)
		}); err != nil {
			log.Warn().Err(err).Int64("issueID", latest.ID).Msg("Failed to record suppression on issue")
		}
	}
	log.Info().Str("conversationID", ev.ConversationID).Str("rule", d.Rule).Str("reason", d.Reason).Msg("Inbound text suppressed")
	m.publisher.Publish(ctx, events.Event{
		Type: events.InboundIgnored, IssueID: out.IssueID, Kind: ev.Kind, ConversationID: ev.ConversationID,
		At: ev.OccurredAt.UTC(), Detail: map[string]string{"rule": d.Rule},
	})
	return out, true, nil
}

func (m *Machine) upsert(ctx context.Context, ev InboundEvent, now time.Time) (Outcome, error) {
	active, err := m.store.FindActiveIssue(ctx, ev.Kind, ev.ConversationID, ev.Phone)
	if err != nil {
		return Outcome{}, err
	}
	if active != nil {
		return m.update(ctx, active, ev)
	}

	base := now
	if ev.Kind == models.KindSMS {
		base = ev.OccurredAt
	}
	issue := &models.Issue{
		Kind:           ev.Kind,
		Status:         models.StatusPending,
		ContactID:      ev.ContactID,
		Phone:          ev.Phone,
		ConversationID: ev.ConversationID,
		CreatedTS:      now,
		DueTS:          m.DueFor(ev.Kind, base),
		FirstInboundTS: &ev.OccurredAt,
		LastInboundTS:  &ev.OccurredAt,
		InboundCount:   1,
		Meta: models.Meta{
			ContactName: strings.TrimSpace(ev.ContactName),
			LastText:    clip(ev.Body, 500),
			Source:      sourceOf(ev),
		},
	}
	if err := m.store.CreateIssue(ctx, issue); err != nil {
		return Outcome{}, err
	}

	log.Info().
		Int64("issueID", issue.ID).
		Str("kind", string(issue.Kind)).
		Str("conversationID", issue.ConversationID).
		Time("dueTS", issue.DueTS).
		Msg("Issue created")
	m.publisher.Publish(ctx, events.ForIssue(events.IssueCreated, issue, now))
	return Outcome{Action: ActionCreated, IssueID: issue.ID}, nil
}

func (m *Machine) update(ctx context.Context, issue *models.Issue, ev InboundEvent) (Outcome, error) {
	ok, err := m.store.RecordInbound(ctx, issue.ID, ev.OccurredAt, ev.ConversationID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// Closed between lookup and update; the caller retries and opens a fresh issue.
		return Outcome{}, fmt.Errorf("issue %d: %w", issue.ID, errIssueClosed)
	}
	if ev.Body != "" || ev.ContactName != "" {
		if err := m.store.UpdateMeta(ctx, issue.ID, func(meta *models.Meta) {
			if ev.Body != "" {
				meta.LastText = clip(ev.Body, 500)
			}
			if meta.ContactName == "" {
				meta.ContactName = strings.TrimSpace(ev.ContactName)
			}
		}); err != nil {
			log.Warn().Err(err).Int64("issueID", issue.ID).Msg("Failed to update issue meta")
		}
	}

	log.Info().Int64("issueID", issue.ID).Str("status", string(issue.Status)).Msg("Inbound added to active issue")
	m.publisher.Publish(ctx, events.ForIssue(events.IssueUpdated, issue, ev.OccurredAt))
	return Outcome{Action: ActionUpdated, IssueID: issue.ID}, nil
}

func sourceOf(ev InboundEvent) string {
	if ev.Kind == models.KindCall {
		return "voicemail_route=" + ev.MarkerHint
	}
	return "inbound_sms"
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
