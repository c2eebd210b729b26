package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"repoguard.org/internal/app"
	"repoguard.org/internal/containment"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Register repositories and take containment decisions",
}

var repoRegisterCmd = &cobra.Command{
	Use:   "register ID PATH",
	Short: "Register a repository and its trusted locations",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		trusted, _ := cmd.Flags().GetStringSlice("trusted")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			r, err := core.Containment.Register(ctx, containment.Repository{
				ID:               args[0],
				Name:             name,
				Path:             args[1],
				OriginalLocation: args[1],
				TrustedPaths:     append([]string{args[1]}, trusted...),
			})
			if err != nil {
				return err
			}
			return render(cmd, r)
		})
	},
}

var repoPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List repositories awaiting manual verification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			p, err := core.Containment.PendingVerifications(ctx)
			if err != nil {
				return err
			}
			return render(cmd, p)
		})
	},
}

var repoVerifyCmd = &cobra.Command{
	Use:   "verify ID PATH approve|reject",
	Short: "Approve (decrypt) or reject (keep locked) a contained repository",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		decision := containment.Decision(strings.ToUpper(args[2]))
		switch decision {
		case "APPROVE":
			decision = containment.Approved
		case "REJECT":
			decision = containment.Rejected
		}
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			res, err := core.Containment.ManualVerify(ctx, args[0], args[1], actor, decision, notes)
			if err != nil {
				return err
			}
			return render(cmd, res)
		})
	},
}

var repoOverrideCmd = &cobra.Command{
	Use:   "override ID",
	Short: "Force a repository back to SECURE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			r, err := core.Containment.Override(ctx, args[0], actor, notes)
			if err != nil {
				return err
			}
			return render(cmd, r)
		})
	},
}

var repoTrustCmd = &cobra.Command{
	Use:   "trust ID PATH",
	Short: "Add a trusted location (use --remove to drop it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			edit := core.Containment.AddTrustedPath
			if remove {
				edit = core.Containment.RemoveTrustedPath
			}
			paths, err := edit(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, paths)
		})
	},
}

var repoCopiesCmd = &cobra.Command{
	Use:   "copies ID PATH ORIGINAL",
	Short: "Inspect a location for signs of an unauthorized copy",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			rep, err := core.Containment.DetectCopyIndicators(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return render(cmd, rep)
		})
	},
}

var repoAccessCmd = &cobra.Command{
	Use:   "access ID DEVICE PATH",
	Short: "Decide whether a device may open a working tree",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			d, err := core.Containment.CheckRepositoryAccess(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return render(cmd, d)
		})
	},
}

var repoDeviceCmd = &cobra.Command{
	Use:   "device DEVICE",
	Short: "Decide whether a device of the --as user gets transparent access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			d, err := core.Containment.CheckDeviceAccess(ctx, args[0], actor)
			if err != nil {
				return err
			}
			return render(cmd, d)
		})
	},
}

var repoTransferCmd = &cobra.Command{
	Use:   "transfer ID SOURCE TARGET",
	Short: "Check (and record) a move between two locations",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			ok, err := core.Containment.VerifyAuthorizedTransfer(ctx, containment.TransferRequest{
				UserID:       actor,
				DeviceID:     device,
				RepositoryID: args[0],
				Source:       args[1],
				Target:       args[2],
			})
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"authorized": ok})
		})
	},
}

func init() {
	repoTransferCmd.Flags().String("device", "", "device performing the transfer")
	repoRegisterCmd.Flags().String("name", "", "display name")
	repoRegisterCmd.Flags().StringSlice("trusted", nil, "additional trusted paths")
	repoVerifyCmd.Flags().String("notes", "", "decision notes")
	repoOverrideCmd.Flags().String("notes", "", "override reason")
	repoTrustCmd.Flags().Bool("remove", false, "remove the path instead of adding it")

	repoCmd.AddCommand(repoRegisterCmd, repoPendingCmd, repoVerifyCmd, repoOverrideCmd, repoTrustCmd, repoCopiesCmd,
		repoAccessCmd, repoDeviceCmd, repoTransferCmd)
	rootCmd.AddCommand(repoCmd)
}
