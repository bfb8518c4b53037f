// Command maintenance runs one-off operational tasks against the engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trailmarket/tour-engine/internal/app"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/services"
	"github.com/trailmarket/tour-engine/internal/utils"
	"github.com/trailmarket/tour-engine/pkg/jwt"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "maintenance",
		Short:         "Operational tasks for the tour engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(sweepCmd(), tokenCmd(), secretCmd())
	return cmd
}

func sweepCmd() *cobra.Command {
	var (
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep [abandoned-bookings|expired-offers|all]",
		Short: "Run a reconciliation sweep once",
		Long: `Run a reconciliation sweep once and report what it did.

  abandoned-bookings  Release spots held by pending checkouts that never got a session
  expired-offers      Expire pending offers past their deadline and archive draft tours
  all                 Both, in that order (default)
`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"abandoned-bookings", "expired-offers", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			job := "all"
			if len(args) > 0 {
				job = args[0]
			}
			return runSweep(cmd.OutOrStdout(), job, outputJSON, timeout)
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall timeout")
	return cmd
}

func runSweep(out io.Writer, job string, outputJSON bool, timeout time.Duration) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	engine, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results []services.SweepResult
	switch job {
	case "abandoned-bookings":
		results = append(results, engine.Cron.RunAbandonedBookingsNow(ctx))
	case "expired-offers":
		results = append(results, engine.Cron.RunExpiredOffersNow(ctx))
	case "all":
		results = append(results,
			engine.Cron.RunAbandonedBookingsNow(ctx),
			engine.Cron.RunExpiredOffersNow(ctx),
		)
	default:
		return fmt.Errorf("unknown sweep %q", job)
	}

	failed := false
	for _, r := range results {
		if r.Err != nil {
			failed = true
		}
	}

	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Fprintf(out, "%-20s scanned=%d processed=%d skipped=%d failed=%d (%s)\n",
				r.Job, r.Scanned, r.Processed, r.Skipped, r.Failed, r.Duration.Round(time.Millisecond))
			for _, e := range r.Errors() {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
		}
	}

	if failed {
		return fmt.Errorf("sweep finished with errors")
	}
	return nil
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		roles  []string
		ttl    time.Duration
		secret string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing of guide and admin routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set and --secret was not provided")
			}

			id := uuid.New()
			if userID != "" {
				parsed, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("invalid --user-id: %w", err)
				}
				id = parsed
			}
			for _, r := range roles {
				if r != jwt.RoleGuide && r != jwt.RoleAdmin {
					return fmt.Errorf("unknown role %q", r)
				}
			}

			token, err := jwt.NewService(secret).GenerateAccessToken(id, email, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "Guide or admin user ID (random when empty)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringSliceVar(&roles, "role", []string{jwt.RoleGuide}, "Roles to grant (guide, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (defaults to JWT_SECRET)")
	return cmd
}

func secretCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random JWT_SECRET value",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := utils.GenerateSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "JWT_SECRET=%s\n", secret)
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "bytes", 64, "Random bytes before hex encoding")
	return cmd
}
