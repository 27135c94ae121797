package resolution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sentinel/internal/advisory"
	"sentinel/internal/conversation"
	"sentinel/internal/events"
	"sentinel/internal/models"
	"sentinel/internal/repository"
)

// Promotion reasons stored in meta.promotion_reason.
const (
	ReasonNoConversation = "no_conversation"
	ReasonNoStaffReply   = "no_staff_reply"
	ReasonAdvisoryGated  = "advisory_gated"
)

// Options control a pass.
type Options struct {
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dry_run"`
}

// Report summarizes a pass.
type Report struct {
	Pass            string `json:"pass"`
	DryRun          bool   `json:"dry_run"`
	Checked         int    `json:"checked"`
	Resolved        int    `json:"resolved"`
	Promoted        int    `json:"promoted"`
	Gated           int    `json:"gated"`
	Skipped         int    `json:"skipped"`
	Errors          int    `json:"errors"`
	BudgetExhausted bool   `json:"budget_exhausted,omitempty"`
}

// Service runs the verification and resolver passes.
type Service struct {
	store     *repository.Store
	detector  *Detector
	directory conversation.Directory
	gate      *advisory.Gate
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a Service. directory, gate and publisher may be nil; a nil gate disables advisory checks.
func NewService(store *repository.Store, detector *Detector, directory conversation.Directory, gate *advisory.Gate, publisher events.Publisher) (*Service, error) {
	if store == nil || detector == nil {
		return nil, errors.New("store and detector are required")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{store: store, detector: detector, directory: directory, gate: gate, publisher: publisher, now: time.Now}, nil
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// VerifyPending checks every due PENDING issue and moves it to RESOLVED or OPEN.
// An issue whose history cannot be fetched stays PENDING for the next run.
func (s *Service) VerifyPending(ctx context.Context, opts Options) (Report, error) {
	now := s.now().UTC()
	report := Report{Pass: "verify_pending", DryRun: opts.DryRun}
	issues, err := s.store.ListIssues(ctx, repository.IssueFilter{
		Statuses:  []models.Status{models.StatusPending},
		DueBefore: now,
		Limit:     opts.Limit,
	})
	if err != nil {
		return report, err
	}

	var run *advisory.Run
	if s.gate != nil && !opts.DryRun {
		run = s.gate.StartRun()
	}

	for i := range issues {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		issue := &issues[i]
		logger := log.With().Str("pass", report.Pass).Int64("issueID", issue.ID).Str("conversationID", issue.ConversationID).Logger()
		report.Checked++

		err := s.verifyOne(ctx, logger, run, issue, now, opts.DryRun, &report)
		if errors.Is(err, advisory.ErrBudgetExhausted) {
			report.Checked--
			report.BudgetExhausted = true
			logger.Info().Int("calls", run.Calls()).Msg("Advisory budget exhausted, leaving remaining issues for the next run")
			break
		}
		if err != nil {
			report.Errors++
			logger.Warn().Err(err).Msg("Verification failed, issue stays PENDING")
		}
	}

	log.Info().Interface("report", report).Msg("Verify pass finished")
	return report, nil
}

func (s *Service) verifyOne(ctx context.Context, logger zerolog.Logger, run *advisory.Run, issue *models.Issue, now time.Time, dryRun bool, report *Report) error {
	if issue.ConversationID == "" {
		s.backfill(ctx, issue, dryRun)
	}
	if issue.ConversationID == "" {
		return s.promote(ctx, logger, issue, ReasonNoConversation, nil, nil, now, dryRun, report)
	}

	check, err := s.detector.Check(ctx, issue)
	if errors.Is(err, conversation.ErrNoConversation) {
		return s.promote(ctx, logger, issue, ReasonNoConversation, nil, nil, now, dryRun, report)
	}
	if err != nil {
		return err
	}
	s.refreshOutbound(ctx, issue, check, dryRun)

	if check.Resolved {
		return s.resolve(ctx, logger, issue, check, dryRun, report)
	}

	if run == nil {
		return s.promote(ctx, logger, issue, ReasonNoStaffReply, nil, nil, now, dryRun, report)
	}
	outcome, err := run.Evaluate(ctx, issue.ConversationID, check.Messages)
	if err != nil {
		return err
	}
	record := &models.AdvisoryRecord{
		TS:            now,
		Outcome:       string(outcome.Kind),
		NeedsFollowup: outcome.Verdict.NeedsFollowup,
		Confidence:    outcome.Verdict.Confidence,
		Reason:        outcome.Reason,
	}
	if outcome.SuppressesEscalation(s.gate.Threshold()) {
		return s.promote(ctx, logger, issue, ReasonAdvisoryGated, &now, record, now, dryRun, report)
	}
	return s.promote(ctx, logger, issue, ReasonNoStaffReply, nil, record, now, dryRun, report)
}

// ResolveOpen re-checks OPEN issues, gated ones included, and resolves those staff has answered.
func (s *Service) ResolveOpen(ctx context.Context, opts Options) (Report, error) {
	report := Report{Pass: "poll_resolver", DryRun: opts.DryRun}
	issues, err := s.store.ListIssues(ctx, repository.IssueFilter{
		Statuses: []models.Status{models.StatusOpen},
		Limit:    opts.Limit,
	})
	if err != nil {
		return report, err
	}

	for i := range issues {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		issue := &issues[i]
		logger := log.With().Str("pass", report.Pass).Int64("issueID", issue.ID).Str("conversationID", issue.ConversationID).Logger()
		report.Checked++

		if issue.ConversationID == "" {
			s.backfill(ctx, issue, opts.DryRun)
		}
		check, err := s.detector.Check(ctx, issue)
		if errors.Is(err, conversation.ErrNoConversation) {
			report.Skipped++
			continue
		}
		if err != nil {
			report.Errors++
			logger.Warn().Err(err).Msg("Could not read conversation, will retry next run")
			continue
		}
		s.refreshOutbound(ctx, issue, check, opts.DryRun)
		if !check.Resolved {
			continue
		}
		if err := s.resolve(ctx, logger, issue, check, opts.DryRun, &report); err != nil {
			report.Errors++
			logger.Warn().Err(err).Msg("Could not resolve issue")
		}
	}

	log.Info().Interface("report", report).Msg("Resolver pass finished")
	return report, nil
}

func (s *Service) backfill(ctx context.Context, issue *models.Issue, dryRun bool) {
	if s.directory == nil || (issue.ContactID == "" && issue.Phone == "") {
		return
	}
	id, err := s.directory.FindConversationID(ctx, issue.ContactID, issue.Phone)
	if err != nil || id == "" {
		log.Debug().Err(err).Int64("issueID", issue.ID).Msg("Conversation backfill found nothing")
		return
	}
	if !dryRun {
		if _, err := s.store.SetConversationID(ctx, issue.ID, id); err != nil {
			log.Warn().Err(err).Int64("issueID", issue.ID).Msg("Failed to store backfilled conversation")
			return
		}
	}
	issue.ConversationID = id
}

func (s *Service) refreshOutbound(ctx context.Context, issue *models.Issue, check Check, dryRun bool) {
	if dryRun || check.OutboundCount == issue.OutboundCount {
		return
	}
	if err := s.store.SetOutboundCount(ctx, issue.ID, check.OutboundCount); err != nil {
		log.Warn().Err(err).Int64("issueID", issue.ID).Msg("Failed to refresh outbound count")
		return
	}
	issue.OutboundCount = check.OutboundCount
}

func (s *Service) resolve(ctx context.Context, logger zerolog.Logger, issue *models.Issue, check Check, dryRun bool, report *Report) error {
	if dryRun {
		report.Resolved++
		return nil
	}
	ok, err := s.store.Resolve(ctx, issue.ID, issue.Status, check.ReplyTS)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug().Msg("Issue already handled elsewhere")
		return nil
	}
	report.Resolved++
	if err := s.store.UpdateMeta(ctx, issue.ID, func(m *models.Meta) {
		m.ResolvedBy = "staff:" + check.ReplyBy
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record resolver")
	}

	issue.Status = models.StatusResolved
	issue.ResolvedTS = &check.ReplyTS
	logger.Info().Time("replyTS", check.ReplyTS).Str("staff", check.ReplyBy).Msg("Issue resolved by staff reply")
	s.publisher.Publish(ctx, events.ForIssue(events.IssueResolved, issue, check.ReplyTS))
	return nil
}

func (s *Service) promote(ctx context.Context, logger zerolog.Logger, issue *models.Issue, reason string, gatedAt *time.Time, record *models.AdvisoryRecord, now time.Time, dryRun bool, report *Report) error {
	count := func() {
		if gatedAt != nil {
			report.Gated++
		} else {
			report.Promoted++
		}
	}
	if dryRun {
		count()
		return nil
	}
	ok, err := s.store.Promote(ctx, issue.ID, gatedAt)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug().Msg("Issue already handled elsewhere")
		return nil
	}
	count()
	if err := s.store.UpdateMeta(ctx, issue.ID, func(m *models.Meta) {
		m.PromotionReason = reason
		if record != nil {
			m.Advisory = record
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record promotion reason")
	}

	issue.Status = models.StatusOpen
	issue.GatedTS = gatedAt
	logger.Info().Str("reason", reason).Bool("gated", gatedAt != nil).Msg("Issue promoted to OPEN")
	ev := events.ForIssue(events.IssueOpened, issue, now)
	ev.Detail = map[string]string{"reason": reason}
	s.publisher.Publish(ctx, ev)
	return nil
}
