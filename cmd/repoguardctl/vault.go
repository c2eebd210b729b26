package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"repoguard.org/internal/app"
	"repoguard.org/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage encrypted access tokens",
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create USER NAME",
	Short: "Store a token read from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		device, _ := f.GetString("device")
		typ, _ := f.GetString("type")
		days, _ := f.GetInt("rotation-days")
		scope, _ := f.GetStringSlice("scope")
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			t, err := core.Vault.Create(ctx, vault.CreateRequest{
				UserID:       args[0],
				DeviceID:     device,
				Name:         args[1],
				Type:         typ,
				Value:        strings.TrimSpace(string(raw)),
				RotationDays: days,
				Scope:        scope,
			})
			if err != nil {
				return err
			}
			return render(cmd, t)
		})
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list USER",
	Short: "List the tokens of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			ts, err := core.Vault.ListByUser(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd, ts)
		})
	},
}

var vaultRevealCmd = &cobra.Command{
	Use:   "reveal TOKEN",
	Short: "Decrypt a token for its owner (--as) and log the access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, _ := cmd.Flags().GetString("ip")
		location, _ := cmd.Flags().GetString("location")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			r, err := core.Vault.Reveal(ctx, args[0], actor, ip, location)
			if err != nil {
				return err
			}
			return render(cmd, r)
		})
	},
}

var vaultRotateCmd = &cobra.Command{
	Use:   "rotate TOKEN",
	Short: "Replace a token value now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			r, err := core.Vault.Rotate(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return render(cmd, r)
		})
	},
}

var vaultSweepCmd = &cobra.Command{
	Use:   "rotate-due",
	Short: "Rotate every token whose rotation date has passed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			items, err := core.Vault.RotateDue(ctx)
			if err != nil {
				return err
			}
			return render(cmd, items)
		})
	},
}

var vaultRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN",
	Short: "Revoke a token permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			t, changed, err := core.Vault.Revoke(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"token": t, "changed": changed})
		})
	},
}

var vaultUsageCmd = &cobra.Command{
	Use:   "usage TOKEN",
	Short: "Check recent accesses of a token and rotate it when suspicious",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			u, err := core.Vault.DetectSuspiciousUsage(ctx, args[0])
			if err != nil {
				return err
			}
			a, err := core.Vault.Activity(ctx, args[0], days)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"usage": u, "activity": a})
		})
	},
}

var vaultStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tokens per state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			s, err := core.Vault.Stats(ctx)
			if err != nil {
				return err
			}
			return render(cmd, s)
		})
	},
}

func init() {
	f := vaultCreateCmd.Flags()
	f.String("device", "", "device the token is bound to")
	f.String("type", "PAT", "token type")
	f.Int("rotation-days", 0, "rotation interval (defaults to the configured value)")
	f.StringSlice("scope", nil, "token scopes")
	vaultRevealCmd.Flags().String("ip", "", "caller IP address")
	vaultRevealCmd.Flags().String("location", "", "caller location")
	vaultRotateCmd.Flags().String("reason", "manual", "rotation reason")
	vaultRevokeCmd.Flags().String("reason", "manual", "revocation reason")
	vaultUsageCmd.Flags().Int("days", 7, "activity window in days")

	vaultCmd.AddCommand(vaultCreateCmd, vaultListCmd, vaultRevealCmd, vaultRotateCmd, vaultSweepCmd, vaultRevokeCmd, vaultUsageCmd, vaultStatsCmd)
	rootCmd.AddCommand(vaultCmd)
}
