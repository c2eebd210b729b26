package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/app"
	"repoguard.org/internal/behavior"
)

var learnCmd = &cobra.Command{
	Use:   "learn USER DEVICE",
	Short: "Rebuild the behavioral baselines of a user on a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			res, err := core.Learner.Learn(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, res)
		})
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest USER DEVICE TYPE",
	Short: "Record one activity and run every detector on it",
	Long: `Record one activity and run every detector on it.

TYPE is one of CLONE, PULL, PUSH, COMMIT, CHECKOUT, ACCESS, LOGIN, LOGOUT.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		repo, _ := f.GetString("repo")
		ip, _ := f.GetString("ip")
		location, _ := f.GetString("location")
		path, _ := f.GetString("path")
		original, _ := f.GetString("original")
		files, _ := f.GetStringSlice("files")
		e := activity.Event{
			UserID:       args[0],
			DeviceID:     args[1],
			Type:         activity.Type(strings.ToUpper(args[2])),
			RepositoryID: repo,
			IPAddress:    ip,
			Location:     location,
		}
		if path != "" || original != "" || len(files) > 0 {
			e.Details = activity.GitOperation{RepositoryPath: path, OriginalLocation: original, Files: files}
		}
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			out, err := core.Monitor.Ingest(ctx, e)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{
				"activity_id": out.Event.ID,
				"suspicious":  out.Suspicious(),
				"score":       out.Score,
				"behavior":    out.Behavior,
				"movement":    out.Movement,
			})
		})
	},
}

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "List anomaly detections, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		user, _ := f.GetString("user")
		severity, _ := f.GetString("severity")
		since, _ := f.GetDuration("since")
		limit, _ := f.GetInt("limit")
		filter := anomaly.Filter{UserID: user, Severity: activity.RiskLevel(strings.ToUpper(severity)), Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			ds, err := core.Scorer.History(ctx, filter)
			if err != nil {
				return err
			}
			return render(cmd, ds)
		})
	},
}

var heatmapCmd = &cobra.Command{
	Use:   "heatmap USER",
	Short: "Count a user's activity per day and hour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		to := time.Now()
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			m, err := core.Scorer.Heatmap(ctx, args[0], to.Add(-since), to)
			if err != nil {
				return err
			}
			return render(cmd, m)
		})
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review DETECTION",
	Short: "Mark a detection as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, _ := cmd.Flags().GetBool("false-positive")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			d, err := core.Scorer.Review(ctx, args[0], actor, fp)
			if err != nil {
				return err
			}
			return render(cmd, d)
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile USER",
	Short: "Rebuild behavior patterns and summarise recent detections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetString("window")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			p, err := core.Behavior.BuildProfile(ctx, args[0])
			if err != nil {
				return err
			}
			s, err := core.Behavior.Summary(ctx, args[0], behavior.Window(window))
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"profile": p, "summary": s})
		})
	},
}

func init() {
	f := ingestCmd.Flags()
	f.String("repo", "", "repository id")
	f.String("ip", "", "source IP address")
	f.String("location", "", "geographic location")
	f.String("path", "", "local repository path")
	f.String("original", "", "original repository location")
	f.StringSlice("files", nil, "files touched by the operation")

	detectionsCmd.Flags().String("user", "", "only this user")
	detectionsCmd.Flags().String("severity", "", "LOW, MEDIUM, HIGH or CRITICAL")
	detectionsCmd.Flags().Duration("since", 0, "only detections newer than this")
	detectionsCmd.Flags().Int("limit", 100, "maximum detections")

	heatmapCmd.Flags().Duration("since", 30*24*time.Hour, "window length")
	reviewCmd.Flags().Bool("false-positive", false, "record the detection as a false positive")
	profileCmd.Flags().String("window", string(behavior.Week), "summary window (24h, 7d, 30d)")

	rootCmd.AddCommand(learnCmd, ingestCmd, detectionsCmd, heatmapCmd, reviewCmd, profileCmd)
}
