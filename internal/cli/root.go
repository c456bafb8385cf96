package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/logging"
)

var (
	configPath     string
	statePath      string
	nonInteractive bool
	logLevel       string
	logFormat      string
	noColor        bool
)

var rootCmd = &cobra.Command{
	Use:   "flowdeploy",
	Short: "Deploy n8n to Cloud Run with a Cloud SQL database",
	Long: `flowdeploy provisions everything a self-hosted n8n needs on Google Cloud:
an Artifact Registry repository, the container image, a Cloud SQL Postgres
database, generated secrets in Secret Manager, a runtime service account and
the Cloud Run service itself.

Run without a subcommand to deploy. Re-running converges: nothing that already
matches is changed, and generated secrets stay stable until tainted.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel, logging.Format(logFormat))
	},
	RunE: runDeploy,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultFile, "Configuration file")
	flags.StringVar(&statePath, "state", "", "Local state file (default .flowdeploy/state.json next to the configuration)")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; fail when a required value is missing")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", string(logging.FormatAuto), "Log format: auto, text, json")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(smokeCmd)
	rootCmd.AddCommand(versionCmd)
}

// useColor reports whether output to stdout may carry ANSI styling.
func useColor() bool {
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
