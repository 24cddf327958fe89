package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"saukidata/auth"
	"saukidata/config"
	"saukidata/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "saukidata",
		Short:         "Reconcile paid orders into delivered data bundles",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("SAUKIDATA_CONFIG"), "path to a YAML config file")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(migrateCmd(flags))
	root.AddCommand(reconcileCmd(flags))
	root.AddCommand(stuckCmd(flags))
	root.AddCommand(operatorCmd(flags))
	return root
}

func (f *rootFlags) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Tracing.ServiceName})
	return cfg, log, nil
}

func serveCmd(flags *rootFlags) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrateFirst {
				applied, err := a.migrate(ctx)
				if err != nil {
					return err
				}
				log.Info().Strs("applied", applied).Msg("migrations complete")
			}

			server := NewServer(a.reconciler, a.ledger, a.plans, a.operators, cfg.Payment.WebhookSecret).
				WithLogger(log).
				WithTracer(a.tracer).
				WithStuckAfter(cfg.Reconcile.StuckAfter.Std())

			httpServer := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       cfg.HTTP.ReadTimeout.Std(),
				WriteTimeout:      cfg.HTTP.WriteTimeout.Std(),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.HTTP.Addr).Str("driver", cfg.Database.Driver).Msg("http server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				a.relay().Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				log.Info().Msg("shutting down")
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply migrations before serving")
	return cmd
}

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			a, err := newStorage(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}

func reconcileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <reference>",
		Short: "Re-run reconciliation for one order using its stored facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reconciler.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func stuckCmd(flags *rootFlags) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List claims that were never settled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			a, err := newStorage(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan <= 0 {
				olderThan = cfg.Reconcile.StuckAfter.Std()
			}
			orders, err := a.ledger.ListStuck(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stuck claims")
				return nil
			}
			for _, o := range orders {
				claimed := "-"
				if o.ClaimedAt != nil {
					claimed = o.ClaimedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tattempts=%d\tclaimed_at=%s\n",
					o.Reference, o.PhoneNumber, o.PlanID, o.Attempts, claimed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum claim age (default reconcile.stuck_after)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func operatorCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator accounts",
	}

	var (
		email string
		role  string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator; the password is read from SAUKIDATA_OPERATOR_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("SAUKIDATA_OPERATOR_PASSWORD")
			if password == "" {
				return errors.New("SAUKIDATA_OPERATOR_PASSWORD must be set")
			}

			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			a, err := newStorage(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.operators.CreateOperator(cmd.Context(), auth.CreateOperatorRequest{
				Email:    email,
				Password: password,
				Role:     auth.Role(role),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s operator %s (%s)\n", op.Role, op.Email, op.ID)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "operator email")
	create.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator or admin")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
