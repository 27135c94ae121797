package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sentinel/internal/escalation"
	"sentinel/internal/handlers"
	"sentinel/internal/resolution"
	"sentinel/internal/scheduler"
	"sentinel/internal/summary"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and job HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := &handlers.Server{
			DB:         a.store.DB(),
			Raw:        a.store,
			Archiver:   a.archiver,
			Inbound:    a.machine,
			Commands:   a.commands,
			Resolver:   a.resolver,
			Escalator:  a.notifier,
			Summarizer: a.summaries,
			Delivery:   a.delivery,
			Managers:   a.cfg.ManagerContactIDs,
			Secret:     a.cfg.WebhookSecret,
		}
		router, err := srv.Router()
		if err != nil {
			return err
		}
		httpServer := &http.Server{
			Addr:              net.JoinHostPort("", a.cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", httpServer.Addr).Msg("Server starting")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info().Msg("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		if a.cfg.SchedulerEnabled {
			sched, err := newScheduler(a)
			if err != nil {
				return err
			}
			g.Go(func() error { return sched.Run(ctx) })
		}

		err = g.Wait()
		log.Info().Msg("Server stopped")
		return err
	},
}

// newScheduler registers the periodic passes and one summary per configured slot.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	s := scheduler.New(a.cfg.Location(), 5*time.Minute)
	if err := s.Every("verify_pending", a.cfg.VerifyInterval, func(ctx context.Context) error {
		_, err := a.resolver.VerifyPending(ctx, resolution.Options{})
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.Every("poll_resolver", a.cfg.ResolveInterval, func(ctx context.Context) error {
		_, err := a.resolver.ResolveOpen(ctx, resolution.Options{})
		return err
	}); err != nil {
		return nil, err
	}
	if len(a.cfg.EscalationContacts) > 0 {
		if err := s.Every("escalations", a.cfg.EscalateInterval, func(ctx context.Context) error {
			_, err := a.notifier.Run(ctx, escalation.Options{})
			return err
		}); err != nil {
			return nil, err
		}
	}
	for slot, at := range a.cfg.SummarySlots {
		if err := s.Daily("summary:"+slot, at, func(ctx context.Context) error {
			_, err := a.summaries.Run(ctx, summary.Options{Slot: slot})
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
