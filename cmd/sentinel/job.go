package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"sentinel/internal/escalation"
	"sentinel/internal/resolution"
	"sentinel/internal/summary"
)

var (
	jobDryRun      bool
	jobLimit       int
	jobSlot        string
	jobSkipResolve bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run a single pass and print its report as JSON",
}

func jobRunner(run func(ctx context.Context, a *app) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, runErr := run(ctx, a)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return runErr
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify due PENDING issues",
	RunE: jobRunner(func(ctx context.Context, a *app) (any, error) {
		return a.resolver.VerifyPending(ctx, resolution.Options{Limit: jobLimit, DryRun: jobDryRun})
	}),
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve OPEN issues that received a staff reply",
	RunE: jobRunner(func(ctx context.Context, a *app) (any, error) {
		return a.resolver.ResolveOpen(ctx, resolution.Options{Limit: jobLimit, DryRun: jobDryRun})
	}),
}

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Alert managers about breached OPEN issues",
	RunE: jobRunner(func(ctx context.Context, a *app) (any, error) {
		return a.notifier.Run(ctx, escalation.Options{Limit: jobLimit, DryRun: jobDryRun})
	}),
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Compose and send the summary for a slot",
	RunE: jobRunner(func(ctx context.Context, a *app) (any, error) {
		return a.summaries.Run(ctx, summary.Options{Slot: jobSlot, DryRun: jobDryRun, SkipResolve: jobSkipResolve})
	}),
}

func init() {
	jobCmd.PersistentFlags().BoolVar(&jobDryRun, "dry-run", false, "Compute the report without changing state or sending")
	jobCmd.PersistentFlags().IntVar(&jobLimit, "limit", 0, "Maximum issues to check (0 = no limit)")
	summaryCmd.Flags().StringVar(&jobSlot, "slot", "morning", "Summary slot name")
	summaryCmd.Flags().BoolVar(&jobSkipResolve, "skip-resolve", false, "Do not run the resolver pass first")

	jobCmd.AddCommand(verifyCmd, resolveCmd, escalateCmd, summaryCmd)
	rootCmd.AddCommand(jobCmd)
}
