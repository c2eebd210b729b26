package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/app"
	"repoguard.org/internal/auth"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/sim"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Replay a synthetic team and one exfiltration attempt",
	Long: `Seed a synthetic team with routine history, learn their baselines, then
ingest a day of routine work followed by an off-hours clone onto removable
media. Prints what every detector concluded and the resulting risk scores.`,
	Args: cobra.NoArgs,
	RunE: runSim,
}

func init() {
	simCmd.Flags().Int64("seed", 1, "generator seed (0 picks one from the clock)")
	simCmd.Flags().Int("days", 21, "days of history")
	simCmd.Flags().Int("per-day", 6, "routine events per developer and day")
	simCmd.Flags().String("workdir", "", "where the copied repository is written (defaults to a temp dir)")
	rootCmd.AddCommand(simCmd)
}

func runSim(cmd *cobra.Command, args []string) error {
	seed, _ := cmd.Flags().GetInt64("seed")
	days, _ := cmd.Flags().GetInt("days")
	perDay, _ := cmd.Flags().GetInt("per-day")

	return withCore(cmd, func(ctx context.Context, core *app.App) error {
		gen := sim.NewGenerator(seed)
		devs := gen.Developers()
		now := time.Now().UTC()

		if err := core.Stores.Users.PutUser(ctx, auth.User{ID: "sec-admin", Name: "Security", Role: auth.RoleAdmin, IsActive: true}); err != nil {
			return err
		}
		for _, d := range devs {
			if err := core.Stores.Users.PutUser(ctx, auth.User{ID: d.UserID, Role: auth.RoleDeveloper, IsActive: true}); err != nil {
				return err
			}
			if err := core.Stores.Users.PutDevice(ctx, auth.Device{ID: d.DeviceID, UserID: d.UserID, Status: auth.DeviceApproved}); err != nil {
				return err
			}
		}

		for _, e := range gen.History(now, days, perDay) {
			if _, err := core.Stores.Activities.Append(ctx, e); err != nil {
				return fmt.Errorf("seed history: %w", err)
			}
		}
		for _, d := range devs {
			if _, err := core.Learner.Learn(ctx, d.UserID, d.DeviceID); err != nil && !errors.Is(err, faults.ErrInsufficientData) {
				return fmt.Errorf("learn %s: %w", d.UserID, err)
			}
			if _, err := core.Behavior.BuildProfile(ctx, d.UserID); err != nil {
				return fmt.Errorf("profile %s: %w", d.UserID, err)
			}
		}

		var counter sim.Counter

		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		for _, d := range devs {
			e := gen.Routine(d, today)
			out, err := core.Monitor.Ingest(ctx, e)
			if err != nil {
				return err
			}
			counter.Add(out.Event, out.Suspicious())
		}

		workdir, _ := cmd.Flags().GetString("workdir")
		if workdir == "" {
			dir, err := os.MkdirTemp("", "repoguard-sim-")
			if err != nil {
				return err
			}
			workdir = dir
		}
		exfil, err := materialize(workdir, gen.Exfiltration(devs[0], today.Add(3*time.Hour)))
		if err != nil {
			return err
		}
		out, err := core.Monitor.Ingest(ctx, exfil)
		if err != nil {
			return err
		}
		counter.Add(out.Event, out.Suspicious())
		exfiltration := map[string]any{
			"activity_id": out.Event.ID,
			"user_id":     out.Event.UserID,
			"repository":  out.Event.RepositoryID,
			"suspicious":  out.Suspicious(),
			"score":       out.Score,
			"behavior":    out.Behavior,
			"movement":    out.Movement,
		}

		ids := make([]string, 0, len(devs))
		for _, d := range devs {
			ids = append(ids, d.UserID)
		}
		scores, err := core.Risk.RecalculateAll(ctx, ids)
		if err != nil {
			return err
		}
		chain, err := core.Audit.Verify(ctx)
		if err != nil {
			return err
		}

		return render(cmd, map[string]any{
			"events":           counter.Events,
			"suspicious":       counter.Suspicious,
			"suspicious_ratio": counter.SuspiciousRatio(),
			"exfiltration":     exfiltration,
			"workdir":          workdir,
			"risk":             scores,
			"audit_valid":      chain.IsValid,
			"audit_blocks":     chain.TotalLogs,
		})
	})
}

// materialize writes the original and the removable-media copy of the
// exfiltrated repository under dir and points e at them, so containment has
// a real tree to seal.
func materialize(dir string, e activity.Event) (activity.Event, error) {
	op, _ := e.Details.(activity.GitOperation)
	original := filepath.Join(dir, "home", e.RepositoryID)
	usbCopy := filepath.Join(dir, "usb0", e.RepositoryID)
	for _, root := range []string{original, usbCopy} {
		for _, name := range op.Files {
			p := filepath.Join(root, name)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return e, err
			}
			if err := os.WriteFile(p, []byte("synthetic "+name+"\n"), 0o644); err != nil {
				return e, err
			}
		}
	}
	op.RepositoryPath, op.OriginalLocation = usbCopy, original
	e.Details = op
	return e, nil
}
