package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"repoguard.org/internal/app"
	"repoguard.org/internal/config"
	"repoguard.org/internal/obs"
)

var (
	cfgFile string
	output  string
	actor   string
)

var rootCmd = &cobra.Command{
	Use:   "repoguardctl",
	Short: "Operate the repository containment core",
	Long: `repoguardctl runs containment operations against the configured store.

With the memory driver every invocation starts empty, which is only useful
for "repoguardctl sim". Point --config at a postgres or sqlite setup for
day-to-day operation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if output != "json" && output != "yaml" {
			return fmt.Errorf("unsupported output %q", output)
		}
		return config.LoadDotEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("REPOGUARD_CONFIG"), "TOML or YAML config file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format (json, yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "as", os.Getenv("USER"), "acting user id recorded in audit entries")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withCore opens the configured core for the duration of fn.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.App) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	obs.Init()
	obs.Logger().SetOutput(cmd.ErrOrStderr())
	core, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(cmd.Context(), core)
}

func render(cmd *cobra.Command, v any) error {
	w := cmd.OutOrStdout()
	if output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
