package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/engine"
	"github.com/flowdeploy/flowdeploy/internal/provider"
)

var planOutFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a deploy would change",
	Long: `Compares the full resource graph with the current state and prints the
changes a deploy would make. Nothing is modified.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan as JSON to this file")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	project, current, err := readState(ctx)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	defer registry.Close()

	cfg, err := liveGraph(ctx, project, registry)
	if err != nil {
		return err
	}

	plan, err := engine.NewEngine(registry).CreatePlan(ctx, cfg, current)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
	}

	if !plan.HasChanges() {
		fmt.Fprintln(out, "No changes. Deployment is up to date.")
		return nil
	}

	fmt.Fprintln(out, "flowdeploy will perform the following actions:")
	renderPlanChanges(out, plan, newPlanStyles(useColor()))
	renderPlanSummary(out, plan)
	return nil
}
