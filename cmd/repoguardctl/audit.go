package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"repoguard.org/internal/app"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every block and report chain breaks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			rep, err := core.Audit.Verify(ctx)
			if err != nil {
				return err
			}
			if err := render(cmd, rep); err != nil {
				return err
			}
			if !rep.IsValid {
				return errors.New("audit chain is broken")
			}
			return nil
		})
	},
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print audit entries after a block number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			entries, err := core.Audit.Page(ctx, after, limit)
			if err != nil {
				return err
			}
			return render(cmd, entries)
		})
	},
}

func init() {
	auditListCmd.Flags().Int64("after", 0, "start after this block number")
	auditListCmd.Flags().Int("limit", 50, "maximum entries")
	auditCmd.AddCommand(auditVerifyCmd, auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
