package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"repoguard.org/internal/app"
	"repoguard.org/internal/integrity"
	"repoguard.org/internal/watcher"
)

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Register and verify file digests of a working tree",
}

// treeArgs resolves the commit (HEAD unless --commit is set) and the files
// of the working tree at dir.
func treeArgs(cmd *cobra.Command, core *app.App, dir string) (string, []integrity.File, error) {
	commit, _ := cmd.Flags().GetString("commit")
	if commit == "" {
		head, err := watcher.ResolveHead(dir)
		if err != nil {
			return "", nil, err
		}
		commit = head
	}
	paths, err := integrity.TreeFiles(dir, core.Config.Containment.ExcludedDirs)
	if err != nil {
		return "", nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return commit, integrity.ReadFiles(dir, paths), nil
}

var integrityRegisterCmd = &cobra.Command{
	Use:   "register REPO DIR",
	Short: "Record digests for every file of the tree at DIR",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			commit, files, err := treeArgs(cmd, core, args[1])
			if err != nil {
				return err
			}
			hashes, err := core.Integrity.Register(ctx, args[0], commit, files)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"repository_id": args[0], "commit": commit, "files": len(hashes)})
		})
	},
}

var integrityVerifyCmd = &cobra.Command{
	Use:   "verify REPO DIR",
	Short: "Compare the tree at DIR with the registered digests",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			commit, files, err := treeArgs(cmd, core, args[1])
			if err != nil {
				return err
			}
			rep, err := core.Integrity.Verify(ctx, args[0], commit, files)
			if err != nil {
				return err
			}
			rep.Files = nil
			return render(cmd, rep)
		})
	},
}

var integrityCommitCmd = &cobra.Command{
	Use:   "commit REPO HASH",
	Short: "List the file hashes recorded for one commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			hs, err := core.Integrity.Commit(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, hs)
		})
	},
}

var integritySummaryCmd = &cobra.Command{
	Use:   "summary REPO",
	Short: "Count registered files per status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			s, err := core.Integrity.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd, s)
		})
	},
}

var integrityTimelineCmd = &cobra.Command{
	Use:   "timeline REPO FILE",
	Short: "Show every registered digest of one file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.App) error {
			hs, err := core.Integrity.Timeline(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, hs)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{integrityRegisterCmd, integrityVerifyCmd} {
		c.Flags().String("commit", "", "commit hash (defaults to the checked-out HEAD)")
	}
	integrityCmd.AddCommand(integrityRegisterCmd, integrityVerifyCmd, integrityCommitCmd, integritySummaryCmd, integrityTimelineCmd)
	rootCmd.AddCommand(integrityCmd)
}
