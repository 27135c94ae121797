// Package summary composes and sends the periodic manager digest.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sentinel/internal/bizhours"
	"sentinel/internal/conversation"
	"sentinel/internal/delivery"
	"sentinel/internal/events"
	"sentinel/internal/format"
	"sentinel/internal/models"
	"sentinel/internal/repository"
	"sentinel/internal/resolution"
)

// WatermarkKey is the global "resolved since last summary" watermark.
const WatermarkKey = "summary:last_ts"

// LegacyWatermarkKey is the per-slot watermark written by older deployments.
func LegacyWatermarkKey(slot string) string {
	return "last_summary_ts_" + strings.ToLower(slot)
}

const replyHint = "Open 3 | Resolve 3 5 6 | Spam 7 | Note 3 <text> | List | More"

// Resolver re-checks OPEN issues before a summary is composed.
type Resolver interface {
	ResolveOpen(ctx context.Context, opts resolution.Options) (resolution.Report, error)
}

// Deliverer fans a text out to recipients.
type Deliverer interface {
	Deliver(ctx context.Context, recipients []string, body string) (delivery.Outcome, error)
}

// Config holds the digest settings.
type Config struct {
	Title         string
	Recipients    []string
	TimezoneLabel string
	EscalateAfter time.Duration
	MaxItems      int
	MaxChars      int
	LookupTimeout time.Duration
}

// Options control one run.
type Options struct {
	Slot        string `json:"slot"`
	DryRun      bool   `json:"dry_run"`
	SkipResolve bool   `json:"skip_resolve,omitempty"`
}

// Report describes one run.
type Report struct {
	Pass          string    `json:"pass"`
	Slot          string    `json:"slot"`
	DryRun        bool      `json:"dry_run"`
	OverdueCalls  int       `json:"overdue_calls"`
	OverdueTexts  int       `json:"overdue_texts"`
	Escalated     int       `json:"escalated"`
	Gated         int       `json:"gated"`
	ResolvedSince int       `json:"resolved_since"`
	Body          string    `json:"body"`
	Sent          bool      `json:"sent"`
	SentTo        []string  `json:"sent_to,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
	Watermark     time.Time `json:"watermark,omitempty"`
}

// Generator builds and sends summaries.
type Generator struct {
	store     *repository.Store
	window    bizhours.Window
	resolver  Resolver
	directory conversation.Directory
	deliverer Deliverer
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
}

// NewGenerator creates a Generator. resolver, directory and publisher may be nil.
func NewGenerator(store *repository.Store, window bizhours.Window, resolver Resolver, directory conversation.Directory, deliverer Deliverer, publisher events.Publisher, cfg Config) (*Generator, error) {
	if store == nil || deliverer == nil {
		return nil, errors.New("store and deliverer are required")
	}
	if cfg.Title == "" {
		cfg.Title = "Sentinel"
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 24 * time.Hour
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 8
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 1450
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Generator{
		store:     store,
		window:    window,
		resolver:  resolver,
		directory: directory,
		deliverer: deliverer,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// Run composes the digest for a slot and, unless DryRun, sends it and advances the watermark.
func (g *Generator) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Slot == "" {
		opts.Slot = "morning"
	}
	report := Report{Pass: "send_summary", Slot: opts.Slot, DryRun: opts.DryRun}

	if g.resolver != nil && !opts.SkipResolve {
		if _, err := g.resolver.ResolveOpen(ctx, resolution.Options{}); err != nil {
			log.Warn().Err(err).Str("slot", opts.Slot).Msg("Resolver pass before summary failed, continuing")
		}
	}

	now := g.now().UTC()
	overdue, err := g.store.ListIssues(ctx, repository.IssueFilter{
		Statuses:  []models.Status{models.StatusOpen},
		DueBefore: now,
	})
	if err != nil {
		return report, err
	}

	watermark, hasWatermark, err := g.watermark(ctx, opts.Slot)
	if err != nil {
		return report, err
	}
	var (
		resolved []models.Issue
		total    int
	)
	if hasWatermark {
		report.Watermark = watermark
		resolved, total, err = g.store.ListResolvedBetween(ctx, watermark, now, g.cfg.MaxItems)
		if err != nil {
			return report, err
		}
	}

	g.enrich(ctx, overdue, opts.DryRun)
	g.enrich(ctx, resolved, opts.DryRun)

	report.Body = g.compose(&report, opts.Slot, now, overdue, resolved, total, hasWatermark)
	if opts.DryRun {
		return report, nil
	}

	if len(g.cfg.Recipients) == 0 {
		report.Errors = append(report.Errors, delivery.ErrNoRecipients.Error())
		return report, nil
	}
	out, err := g.deliverer.Deliver(ctx, g.cfg.Recipients, report.Body)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}
	for _, r := range out.Results {
		if r.Success {
			report.SentTo = append(report.SentTo, r.Recipient)
		} else {
			report.Errors = append(report.Errors, fmt.Sprintf("manager contact %s: %s", r.Recipient, r.Error))
		}
	}
	if !out.Any() {
		log.Warn().Str("slot", opts.Slot).Msg("Summary not delivered to anyone, watermark unchanged")
		return report, nil
	}

	report.Sent = true
	if err := g.store.SetWatermark(context.WithoutCancel(ctx), WatermarkKey, now); err != nil {
		return report, err
	}
	report.Watermark = now
	log.Info().Str("slot", opts.Slot).Int("recipients", len(report.SentTo)).Int("resolvedSince", report.ResolvedSince).Msg("Summary sent")
	g.publisher.Publish(ctx, events.Event{Type: events.SummarySent, At: now, Detail: map[string]string{"slot": opts.Slot}})
	return report, nil
}

func (g *Generator) watermark(ctx context.Context, slot string) (time.Time, bool, error) {
	ts, ok, err := g.store.GetWatermark(ctx, WatermarkKey)
	if err != nil || ok {
		return ts, ok, err
	}
	return g.store.GetWatermark(ctx, LegacyWatermarkKey(slot))
}

// enrich fills in missing contact names. Only live runs store them.
func (g *Generator) enrich(ctx context.Context, issues []models.Issue, dryRun bool) {
	if g.directory == nil {
		return
	}
	for i := range issues {
		issue := &issues[i]
		if issue.Meta.ContactName != "" || issue.ContactID == "" {
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
		name, err := g.directory.ContactName(lookupCtx, issue.ContactID)
		cancel()
		name = strings.TrimSpace(name)
		if err != nil || name == "" {
			continue
		}
		issue.Meta.ContactName = name
		if dryRun {
			continue
		}
		if err := g.store.UpdateMeta(ctx, issue.ID, func(m *models.Meta) {
			if m.ContactName == "" {
				m.ContactName = name
			}
		}); err != nil {
			log.Warn().Err(err).Int64("issueID", issue.ID).Msg("Failed to store contact name")
		}
	}
}

func (g *Generator) compose(report *Report, slot string, now time.Time, overdue, resolved []models.Issue, resolvedTotal int, hasWatermark bool) string {
	loc := g.window.Location()
	local := now.In(loc)

	var calls, texts []models.Issue
	for _, issue := range overdue {
		if issue.Gated() {
			report.Gated++
			continue
		}
		if issue.Kind == models.KindCall {
			calls = append(calls, issue)
		} else {
			texts = append(texts, issue)
		}
	}
	report.OverdueCalls = len(calls)
	report.OverdueTexts = len(texts)
	report.ResolvedSince = resolvedTotal

	asOf := strings.TrimSpace(format.Clock(&local, loc) + " " + g.cfg.TimezoneLabel)
	lines := []string{
		fmt.Sprintf("%s — %s (%s) • as of %s", g.cfg.Title, slotTitle(slot), local.Format("Jan 2"), asOf),
		fmt.Sprintf("Overdue: Calls %d | Texts %d", len(calls), len(texts)),
		"",
	}

	sectionCalls, escCalls := g.section("Calls", calls, now)
	sectionTexts, escTexts := g.section("Texts", texts, now)
	lines = append(lines, sectionCalls...)
	lines = append(lines, sectionTexts...)
	if len(escCalls)+len(escTexts) > 0 {
		report.Escalated = len(escCalls) + len(escTexts)
		lines = append(lines, fmt.Sprintf("⚠️ Escalated (%s+ business hrs):", hours(g.cfg.EscalateAfter)))
		lines = append(lines, escCalls...)
		lines = append(lines, escTexts...)
	}
	if report.Gated > 0 {
		lines = append(lines, fmt.Sprintf("🔕 Quiet (no reply needed per review): %d", report.Gated))
	}

	if hasWatermark {
		if resolvedTotal == 0 {
			lines = append(lines, "✅ Resolved since last summary: none")
		} else {
			lines = append(lines, fmt.Sprintf("✅ Resolved since last summary (%d):", resolvedTotal))
			for i := range resolved {
				r := &resolved[i]
				lines = append(lines, fmt.Sprintf("#%d %s %s at %s", r.ID, r.Kind, format.DisplayName(r), format.Clock(r.ResolvedTS, loc)))
			}
		}
	}

	lines = append(lines, "", "Reply:", replyHint)
	return format.Truncate(strings.Join(lines, "\n"), g.cfg.MaxChars)
}

// section splits issues into regular and escalated lines, each capped at MaxItems.
func (g *Generator) section(label string, issues []models.Issue, now time.Time) ([]string, []string) {
	if len(issues) == 0 {
		return []string{fmt.Sprintf("%s (0): none", label)}, nil
	}
	loc := g.window.Location()
	normal := []string{fmt.Sprintf("%s (%d):", label, len(issues))}
	var escalated []string
	for i := range issues {
		issue := &issues[i]
		line := format.IssueLine(issue, loc)
		if g.window.Elapsed(issue.BaseTS(), now) >= g.cfg.EscalateAfter {
			if len(escalated) < g.cfg.MaxItems {
				escalated = append(escalated, line)
			}
			continue
		}
		if len(normal) <= g.cfg.MaxItems {
			normal = append(normal, line)
		}
	}
	return normal, escalated
}

func slotTitle(slot string) string {
	s := strings.TrimSpace(slot)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%g", d.Hours())
}
