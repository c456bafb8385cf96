package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and resource graph",
	Long: `Resolves the configuration and builds the resource graph without
contacting Docker or Google Cloud.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	project, err := loadProject()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	cfg := offlineGraph(project)
	dag, err := engine.BuildDAG(engine.ExpandForEach(cfg.Resources))
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(out, "Project:  %s (%s)\n", project.ProjectID, project.Region)
	fmt.Fprintf(out, "Image:    %s\n", project.ImageRef())
	fmt.Fprintf(out, "Graph:    %d resources\n", len(dag.CreationOrder()))
	fmt.Fprintln(out, "\nConfiguration is valid.")
	return nil
}
