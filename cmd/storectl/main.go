package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"storefront/config"
	"storefront/internal/app"
	"storefront/internal/payment"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

// opener wires the application for a command
type opener func(ctx context.Context) (*app.App, error)

func main() {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer util.SyncLogger()

	open := func(ctx context.Context) (*app.App, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return app.New(ctx, cfg)
	}

	if err := newRootCmd(cfg, open, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, open opener, out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "storectl",
		Short:         "Operator tools for the storefront transaction pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(reconcileCmd(open))
	rootCmd.AddCommand(reconcilePendingCmd(cfg, open))
	rootCmd.AddCommand(revertCmd(open))
	rootCmd.AddCommand(signCmd(cfg))

	return rootCmd
}

func reconcileCmd(open opener) *cobra.Command {
	var (
		txID, ownerID int64
		resolution    string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle one transaction from its payment session, without a signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tx, err := a.Reconciler.Reconcile(ctx, ownerID, txID, resolution)
			if errors.Is(err, service.ErrUnsettledCallback) {
				fmt.Fprintf(cmd.OutOrStdout(), "transaction %d: payment still open\n", txID)
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tx)
		},
	}

	cmd.Flags().Int64Var(&txID, "tx", 0, "Transaction id")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner id of the transaction")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Optional resolution (pass, void)")
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func reconcilePendingCmd(cfg *config.Config, open opener) *cobra.Command {
	var (
		minAge time.Duration
		batch  int
	)

	cmd := &cobra.Command{
		Use:   "reconcile-pending",
		Short: "Run one sweep over stale CREATED transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			settled, err := a.Reconciler.ReconcilePending(ctx, minAge, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d transaction(s)\n", settled)
			return nil
		},
	}

	cmd.Flags().DurationVar(&minAge, "min-age", cfg.Reconcile.MinAge, "Only reconcile transactions older than this")
	cmd.Flags().IntVar(&batch, "batch", cfg.Reconcile.Batch, "Maximum transactions per sweep")

	return cmd
}

func revertCmd(open opener) *cobra.Command {
	var (
		orderID int64
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Credit the stock of a failed or cancelled order back (idempotent)",
		Long: "Credit the stock of an order's transaction back. Succeeded transactions are\n" +
			"always refused. CREATED transactions are refused unless --force is given,\n" +
			"since their payment session may still succeed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			revert := a.Engine.RevertClosed
			if force {
				revert = a.Engine.Revert
			}
			tx, err := revert(ctx, orderID)
			if errors.Is(err, service.ErrTransactionOpen) {
				return fmt.Errorf("%w: settle it with reconcile first, or pass --force", err)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tx)
		},
	}

	cmd.Flags().Int64Var(&orderID, "order", 0, "Order id")
	cmd.Flags().BoolVar(&force, "force", false, "Also revert a transaction whose payment is still open")
	_ = cmd.MarkFlagRequired("order")

	return cmd
}

func signCmd(cfg *config.Config) *cobra.Command {
	var (
		txID, ownerID int64
		resolution    string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed callback URL for a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if txID <= 0 || ownerID <= 0 {
				return errors.New("--tx and --owner must be positive")
			}
			signer := payment.NewSigner(cfg.Payment.CallbackSecret, cfg.Payment.PublicBaseURL)
			fmt.Fprintln(cmd.OutOrStdout(), signer.CallbackURL(txID, ownerID, resolution))
			return nil
		},
	}

	cmd.Flags().Int64Var(&txID, "tx", 0, "Transaction id")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "Owner id")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Optional resolution (pass, void)")
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
