package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/utils"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "entitlements",
		Short:         "Seat entitlement and credit ledger service",
		Long:          "entitlements reconciles billing events into organization seat capacity and credit balances, and serves the seat and credit API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newResyncCmd(),
		newVerifyCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.dialect)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue invitations and seats once and recount seat usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.seats.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync ORG_ID...",
		Short: "Rebuild entitlements from the billing provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			out := make([]*model.Entitlement, 0, len(args))
			for _, org := range args {
				e, err := a.resync.Repair(cmd.Context(), org)
				if err != nil {
					return fmt.Errorf("resync %s: %w", org, err)
				}
				out = append(out, e)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var user bool
	cmd := &cobra.Command{
		Use:   "verify ID",
		Short: "Compare a cached credit balance with its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			subject := model.OrgSubject(args[0])
			if user {
				subject = model.UserSubject(args[0])
			}
			v, err := a.ledger.Verify(cmd.Context(), subject)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), v); err != nil {
				return err
			}
			if !v.Consistent {
				return fmt.Errorf("balance of %s drifted from its ledger", subject)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&user, "user", false, "treat ID as a user instead of an organization")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		actor, org, role string
		ttl              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to issue tokens in %s", cfg.Env)
			}
			tok, err := utils.NewAccessToken(cfg.JWTSecret, actor, org, role, ttl)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tok)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "member identity (sub claim)")
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&role, "role", string(model.RoleMember), "member or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
