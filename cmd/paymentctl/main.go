package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/app"
	"github.com/ariefcatur/go-checkout-payments/internal/config"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the checkout payment pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the wiring every subcommand starts from. Logs go to stderr so
// stdout stays machine readable.
type env struct {
	cfg     config.Config
	log     *slog.Logger
	backend *app.Backend
	caches  *app.Caches
}

func open(ctx context.Context) (*env, error) {
	cfg := config.Load()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("service", "paymentctl")
	b, err := app.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, backend: b, caches: app.OpenCaches(ctx, cfg, log)}, nil
}

func (e *env) close() {
	e.caches.Close()
	e.backend.Close()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and the verification table",
		Long: `Apply the Postgres schema and, with AUDIT_BACKEND=dynamodb, create the
verification table. Both steps are idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer e.close()
			fmt.Fprintf(cmd.OutOrStdout(), "storage %s ready, audit %s ready\n", e.cfg.StorageBackend, valueOr(e.cfg.AuditBackend, app.BackendPostgres))
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	var (
		maxJobs int
		jobType string
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run queued jobs once and print the outcomes",
		Long: `Claim and run queued jobs the same way POST /order-worker does.

Examples:
  paymentctl drain
  paymentctl drain --max-jobs 100 --job-type process_refund`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := jobs.ParseType(jobType)
			if err != nil {
				return err
			}
			if maxJobs <= 0 {
				return fmt.Errorf("--max-jobs must be positive")
			}
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			svc := app.NewServices(e.cfg, e.backend, app.ServiceDeps{Caches: e.caches}, e.log)
			wk := svc.Worker.WithID(e.cfg.WorkerID + "-ctl-" + uuid.NewString())
			res, err := wk.Drain(cmd.Context(), maxJobs, t)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVarP(&maxJobs, "max-jobs", "n", 25, "maximum jobs to run")
	cmd.Flags().StringVarP(&jobType, "job-type", "t", "", "only run jobs of this type")
	return cmd
}

func expireCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire-intents",
		Short: "Fail pending intents past their expiry and release their stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			svc := app.NewServices(e.cfg, e.backend, app.ServiceDeps{Caches: e.caches}, e.log)
			n, err := svc.Expirer.ExpireStale(cmd.Context(), time.Now(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d intents\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 500, "maximum intents per run")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [provider] [transaction-ref]",
		Short: "Re-verify one gateway transaction",
		Long: `Ask the gateway for the settlement of one transaction and record the
result, exactly like POST /verify-payment. Useful when a webhook never arrived.

Examples:
  paymentctl verify khalti HT6o6PEZRWFJ5ygavzHWd5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := gateway.ParseProvider(args[0])
			if err != nil {
				return err
			}
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			reg, err := app.Adapters(e.cfg, e.log)
			if err != nil {
				return err
			}
			svc := app.NewServices(e.cfg, e.backend, app.ServiceDeps{Adapters: reg, Caches: e.caches}, e.log)
			res, err := svc.Verifier.VerifyReference(cmd.Context(), p, args[1])
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
