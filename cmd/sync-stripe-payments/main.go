package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canastacr/payments/api/bootstrap"
	"github.com/canastacr/payments/api/config"
	paymentsapp "github.com/canastacr/payments/api/services/payments/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		pageSize int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync-stripe-payments",
		Short: "Reconcile payment records with Stripe",
		Long: `Pages through every Stripe customer and rewrites the payment record of each
paying customer from Stripe's current state. Customers without an active
subscription or a successful charge are skipped. Unresolved pending_sync rows
are retried first.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("page-size") {
				pageSize = cfg.SyncPageSize
			}
			if pageSize < 1 || pageSize > 100 {
				return fmt.Errorf("--page-size must be between 1 and 100, got %d", pageSize)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := bootstrap.Init(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.Service.Reconcile(ctx, paymentsapp.ReconcileOptions{PageSize: int64(pageSize)})
			printSummary(cmd.OutOrStdout(), report, runErr)
			// per-customer errors are part of the summary, not a failed run
			return runErr
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", config.DefaultSyncPageSize, "Stripe customers fetched per page (1-100, default from SYNC_PAGE_SIZE)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the run, e.g. 30m (0 disables)")
	return cmd
}

func printSummary(w io.Writer, r paymentsapp.ReconcileReport, runErr error) {
	fmt.Fprintln(w, "Stripe payment sync summary")
	fmt.Fprintf(w, "  customers scanned:   %d\n", r.CustomersScanned)
	fmt.Fprintf(w, "  subscriptions found: %d\n", r.SubscriptionsFound)
	fmt.Fprintf(w, "  users created:       %d\n", r.UsersCreated)
	fmt.Fprintf(w, "  records created:     %d\n", r.RecordsCreated)
	fmt.Fprintf(w, "  records updated:     %d\n", r.RecordsUpdated)
	fmt.Fprintf(w, "  skipped:             %d\n", r.Skipped)
	fmt.Fprintf(w, "  pending resolved:    %d\n", r.PendingResolved)
	fmt.Fprintf(w, "  errors:              %d\n", r.Errors)
	if runErr != nil {
		fmt.Fprintf(w, "run stopped early: %v\n", runErr)
	}
}
