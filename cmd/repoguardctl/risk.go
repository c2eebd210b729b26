package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"repoguard.org/internal/app"
	"repoguard.org/internal/risk"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Calculate and inspect per-user risk scores",
}

var riskCalcCmd = &cobra.Command{
	Use:   "calc USER...",
	Short: "Recalculate the risk score of the given users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			if len(args) == 1 {
				s, err := core.Risk.Calculate(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, s)
			}
			scores, err := core.Risk.RecalculateAll(ctx, args)
			if err != nil {
				return err
			}
			return render(cmd, scores)
		})
	},
}

var riskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored scores, highest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		minScore, _ := cmd.Flags().GetInt("min")
		status, _ := cmd.Flags().GetString("status")
		f := risk.Filter{MinScore: minScore, Status: risk.Status(strings.ToUpper(status))}
		if cmd.Flags().Changed("watch") {
			w, _ := cmd.Flags().GetBool("watch")
			f.Watch = &w
		}
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			scores, err := core.Risk.List(ctx, f)
			if err != nil {
				return err
			}
			return render(cmd, scores)
		})
	},
}

var riskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise stored scores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			s, err := core.Risk.Stats(ctx)
			if err != nil {
				return err
			}
			return render(cmd, s)
		})
	},
}

func init() {
	riskListCmd.Flags().Int("min", 0, "minimum score")
	riskListCmd.Flags().String("status", "", "NORMAL, ELEVATED, HIGH, UNDER_WATCH or CRITICAL")
	riskListCmd.Flags().Bool("watch", false, "only users on (or with --watch=false, off) the watch list")
	riskCmd.AddCommand(riskCalcCmd, riskListCmd, riskStatsCmd)
	rootCmd.AddCommand(riskCmd)
}
