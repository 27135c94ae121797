package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"sentinel/config"
	anthropicadapter "sentinel/internal/adapters/anthropic"
	"sentinel/internal/adapters/ghl"
	"sentinel/internal/advisory"
	"sentinel/internal/archive"
	"sentinel/internal/bizhours"
	"sentinel/internal/commands"
	"sentinel/internal/db"
	"sentinel/internal/delivery"
	"sentinel/internal/escalation"
	"sentinel/internal/events"
	"sentinel/internal/lifecycle"
	"sentinel/internal/repository"
	"sentinel/internal/resolution"
	"sentinel/internal/summary"
	"sentinel/internal/suppression"
)

// app holds the wired engine.
type app struct {
	cfg       *config.Config
	db        *sqlx.DB
	store     *repository.Store
	ghl       *ghl.Client
	delivery  *delivery.Manager
	publisher events.Publisher
	archiver  archive.Archiver
	machine   *lifecycle.Machine
	resolver  *resolution.Service
	notifier  *escalation.Notifier
	summaries *summary.Generator
	commands  *commands.Interpreter
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	loc := cfg.Location()
	window, err := bizhours.NewWindow(cfg.BizStartHour, cfg.BizEndHour, cfg.BizDays, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid business window: %w", err)
	}

	conn, err := db.Connect(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: conn, store: repository.NewStore(conn)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.ghl, err = ghl.NewClient(ghl.Options{
		BaseURL:    cfg.GHLBaseURL,
		Token:      cfg.GHLToken,
		LocationID: cfg.GHLLocationID,
		APIVersion: cfg.GHLAPIVersion,
		AppBaseURL: cfg.GHLAppBaseURL,
		Timeout:    cfg.ExternalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GHL client: %w", err)
	}

	if a.delivery, err = delivery.NewManager(a.ghl, a.ghl, cfg.ExternalTimeout); err != nil {
		return nil, err
	}

	a.publisher = events.Nop{}
	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbit(ctx, events.RabbitConfig{
			URL:            cfg.RabbitMQURL,
			Queue:          cfg.RabbitMQQueue,
			SpecificEvents: []string{events.IssueBreached},
		})
		if err != nil {
			// Events are informational; the engine runs without a broker.
			log.Error().Err(err).Msg("RabbitMQ unavailable, lifecycle events will not be published")
		} else {
			a.publisher = rabbit
		}
	}

	a.archiver = archive.Nop{}
	if cfg.S3Enabled {
		s3, err := archive.NewS3(archive.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 mirror: %w", err)
		}
		a.archiver = s3
	}

	evaluator := suppression.New(suppression.Config{
		InternalGrace: cfg.InternalGrace,
		AckRules:      suppression.Rules(cfg.AckMaxLength, cfg.AckPrefixes),
		CloseoutMode:  suppression.CloseoutMode(cfg.AckCloseoutMode),
		Closeout:      cfg.AckCloseout,
	}, window)

	if a.machine, err = lifecycle.NewMachine(a.store, window, evaluator, a.ghl, a.publisher, lifecycle.Config{
		SMSSLA:          cfg.SMSSLA,
		CallSLA:         cfg.CallSLA,
		VoicemailRoutes: cfg.VoicemailRoutes,
		StaffIdentities: cfg.StaffIdentities,
		LookupTimeout:   cfg.ExternalTimeout,
	}); err != nil {
		return nil, err
	}

	var gate *advisory.Gate
	if cfg.AdvisoryEnabled {
		classifier, err := anthropicadapter.NewClassifier(cfg.AnthropicAPIKey, cfg.AdvisoryModel)
		if err != nil {
			return nil, err
		}
		if gate, err = advisory.NewGate(classifier, advisory.Config{
			Threshold:   cfg.AdvisoryThreshold,
			MaxCalls:    cfg.AdvisoryMaxCalls,
			RunBudget:   cfg.AdvisoryRunBudget,
			CallTimeout: cfg.AdvisoryCallTimeout,
			CacheTTL:    cfg.AdvisoryCacheTTL,
		}); err != nil {
			return nil, err
		}
	}

	detector, err := resolution.NewDetector(a.ghl, cfg.StaffIdentities, cfg.ExternalTimeout)
	if err != nil {
		return nil, err
	}
	if a.resolver, err = resolution.NewService(a.store, detector, a.ghl, gate, a.publisher); err != nil {
		return nil, err
	}

	if a.notifier, err = escalation.NewNotifier(a.store, a.delivery, a.publisher, escalation.Config{
		Recipients:    cfg.EscalationContacts,
		Location:      loc,
		TimezoneLabel: cfg.TimezoneLabel,
		MaxChars:      cfg.SummaryMaxChars,
	}); err != nil {
		return nil, err
	}

	if a.summaries, err = summary.NewGenerator(a.store, window, a.resolver, a.ghl, a.delivery, a.publisher, summary.Config{
		Title:         cfg.SummaryTitle,
		Recipients:    cfg.ManagerContactIDs,
		TimezoneLabel: cfg.TimezoneLabel,
		EscalateAfter: cfg.EscalateAfter,
		MaxItems:      cfg.SummaryMaxItems,
		MaxChars:      cfg.SummaryMaxChars,
		LookupTimeout: cfg.ExternalTimeout,
	}); err != nil {
		return nil, err
	}

	if a.commands, err = commands.NewInterpreter(a.store, a.ghl, a.publisher, commands.Config{
		PageSize:   cfg.PageSize,
		SessionTTL: cfg.SessionTTL,
		Location:   loc,
	}); err != nil {
		return nil, err
	}

	ok = true
	log.Info().Bool("advisory", gate != nil).Bool("s3", cfg.S3Enabled).Bool("rabbitmq", cfg.RabbitMQURL != "").Msg("Engine initialized")
	return a, nil
}

// Close releases the broker connection and the database.
func (a *app) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
