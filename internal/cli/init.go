package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a template configuration file",
	Long: `Writes a commented flowdeploy.env template. An existing file is left
untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	created, err := config.WriteTemplate(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !created {
		fmt.Fprintf(out, "%s already exists; leaving it unchanged.\n", configPath)
		return nil
	}

	fmt.Fprintf(out, "Created %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set PROJECT_ID in", configPath)
	fmt.Fprintln(out, "  2. Run 'gcloud auth application-default login'")
	fmt.Fprintln(out, "  3. Run 'flowdeploy' to deploy")
	return nil
}
