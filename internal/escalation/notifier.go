// Package escalation alerts managers once when an OPEN issue passes its deadline.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sentinel/internal/delivery"
	"sentinel/internal/events"
	"sentinel/internal/format"
	"sentinel/internal/models"
	"sentinel/internal/repository"
)

// Deliverer fans a text out to recipients.
type Deliverer interface {
	Deliver(ctx context.Context, recipients []string, body string) (delivery.Outcome, error)
}

// Config holds the notifier settings.
type Config struct {
	Recipients    []string
	Location      *time.Location
	TimezoneLabel string
	MaxChars      int
	// ClaimTTL is how long a claim blocks other runs before it is considered abandoned.
	ClaimTTL time.Duration
}

// Options control a pass.
type Options struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dry_run"`
}

// Report summarizes a pass.
type Report struct {
	Pass     string   `json:"pass"`
	DryRun   bool     `json:"dry_run"`
	Checked  int      `json:"checked"`
	Notified int      `json:"notified"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Previews []string `json:"previews,omitempty"`
}

// Notifier runs the escalation pass.
type Notifier struct {
	store     *repository.Store
	deliverer Deliverer
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
}

// NewNotifier creates a Notifier. publisher may be nil.
func NewNotifier(store *repository.Store, deliverer Deliverer, publisher events.Publisher, cfg Config) (*Notifier, error) {
	if store == nil || deliverer == nil {
		return nil, errors.New("store and deliverer are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 1450
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Notifier{store: store, deliverer: deliverer, publisher: publisher, cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the time source.
func (n *Notifier) SetClock(now func() time.Time) {
	n.now = now
}

// Run alerts on every breached OPEN issue that has not been notified yet.
// breach_notified_ts is only set after at least one recipient confirmed the alert.
func (n *Notifier) Run(ctx context.Context, opts Options) (Report, error) {
	now := n.now().UTC()
	report := Report{Pass: "escalations", DryRun: opts.DryRun}
	if len(n.cfg.Recipients) == 0 {
		return report, delivery.ErrNoRecipients
	}

	issues, err := n.store.ListIssues(ctx, repository.IssueFilter{
		Statuses:        []models.Status{models.StatusOpen},
		DueBefore:       now,
		ExcludeGated:    true,
		ExcludeNotified: true,
		Limit:           opts.Limit,
	})
	if err != nil {
		return report, err
	}

	for i := range issues {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		issue := &issues[i]
		report.Checked++
		body := n.Compose(issue)
		if opts.DryRun {
			report.Previews = append(report.Previews, body)
			continue
		}
		n.notify(ctx, issue, body, &report)
	}

	log.Info().Str("pass", report.Pass).Int("checked", report.Checked).Int("notified", report.Notified).Int("failed", report.Failed).Msg("Escalation pass finished")
	return report, nil
}

func (n *Notifier) notify(ctx context.Context, issue *models.Issue, body string, report *Report) {
	logger := log.With().Int64("issueID", issue.ID).Str("conversationID", issue.ConversationID).Logger()

	claimedAt := n.now().UTC()
	ok, err := n.store.ClaimBreach(ctx, issue.ID, claimedAt, claimedAt.Add(-n.cfg.ClaimTTL))
	if err != nil {
		report.Failed++
		logger.Error().Err(err).Msg("Could not claim breached issue")
		return
	}
	if !ok {
		report.Skipped++
		logger.Debug().Msg("Breach already claimed or handled by another run")
		return
	}

	out, err := n.deliverer.Deliver(ctx, n.cfg.Recipients, body)
	if err != nil || !out.Any() {
		report.Failed++
		logger.Warn().Err(err).Int("failed", out.Failed).Msg("Breach alert not delivered, will retry next run")
		if err := n.store.ReleaseBreach(context.WithoutCancel(ctx), issue.ID, claimedAt); err != nil {
			logger.Error().Err(err).Msg("Could not release breach claim")
		}
		return
	}

	sentAt := n.now().UTC()
	marked, err := n.store.MarkBreachNotified(context.WithoutCancel(ctx), issue.ID, sentAt)
	if err != nil {
		report.Failed++
		logger.Error().Err(err).Msg("Alert sent but breach flag not stored")
		return
	}
	if !marked {
		report.Skipped++
		return
	}
	report.Notified++
	logger.Info().Int("delivered", out.Delivered).Msg("Breach alert sent")
	n.publisher.Publish(ctx, events.ForIssue(events.IssueBreached, issue, sentAt))
}

// Compose renders the alert text for one issue.
func (n *Notifier) Compose(issue *models.Issue) string {
	label := "Text"
	if issue.Kind == models.KindCall {
		label = "Call"
	}
	lines := []string{
		fmt.Sprintf("⏰ Overdue %s (due %s)", label, strings.TrimSpace(format.Clock(&issue.DueTS, n.cfg.Location)+" "+n.cfg.TimezoneLabel)),
		format.IssueLine(issue, n.cfg.Location),
	}
	if text := strings.TrimSpace(issue.Meta.LastText); text != "" {
		lines = append(lines, fmt.Sprintf("%q", text))
	}
	lines = append(lines, fmt.Sprintf("Reply: Open %d | Resolve %d | Spam %d", issue.ID, issue.ID, issue.ID))
	return format.Truncate(strings.Join(lines, "\n"), n.cfg.MaxChars)
}
