package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/engine"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	"github.com/flowdeploy/flowdeploy/internal/state"
)

var (
	destroyForce       bool
	destroyAutoApprove bool
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every resource in state",
	Long: `Deletes every resource tracked in state, dependents first.

Resources marked prevent_destroy (the n8n encryption key) block the destroy
unless --force is given. An Artifact Registry repository that was adopted
rather than created is released, not deleted. Pushed images are left in place.`,
	Args: cobra.NoArgs,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyForce, "force", false, "Destroy resources marked prevent_destroy")
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	project, err := loadProject()
	if err != nil {
		return err
	}
	backend, err := openState(ctx, project)
	if err != nil {
		return err
	}
	defer closeState(backend)

	registry := provider.NewRegistry()
	defer registry.Close()
	eng := engine.NewEngine(registry)

	var deleted int
	err = state.WithLock(ctx, backend, func() error {
		current, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if len(current.Resources) == 0 {
			fmt.Fprintln(out, "Nothing to destroy.")
			return nil
		}

		plan, err := eng.PlanDestroy(offlineGraph(project), current, destroyForce)
		if err != nil {
			return err
		}

		fmt.Fprintln(out, "flowdeploy will delete the following resources:")
		renderPlanChanges(out, plan, newPlanStyles(useColor()))
		renderPlanSummary(out, plan)

		if !destroyAutoApprove {
			ok, err := confirm("\nType 'yes' to destroy")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Destroy cancelled.")
				return nil
			}
		}

		next, applyErr := eng.ApplyPlan(ctx, plan, current)
		if next == nil {
			next = current
		}
		if len(next.Resources) == 0 {
			next.Outputs = nil
		}
		deleted = len(current.Resources) - len(next.Resources)
		if err := backend.Write(context.WithoutCancel(ctx), next); err != nil {
			return errors.Join(applyErr, fmt.Errorf("failed to write state: %w", err))
		}
		if applyErr != nil {
			return fmt.Errorf("destroy failed: %w", applyErr)
		}

		fmt.Fprintf(out, "\nDestroy complete! %d resource(s) deleted.\n", deleted)
		return nil
	})

	audit(project, AuditEntry{Operation: "destroy", Summary: map[string]int{"delete": deleted}}, err)
	return err
}

// confirm asks the operator and reports whether they answered yes. A run
// that cannot prompt is refused.
func confirm(label string) (bool, error) {
	if !config.IsInteractive(nonInteractive) {
		return false, errors.New("confirmation required: re-run with --auto-approve")
	}
	answer, err := config.NewTerminalPrompter().Prompt(label)
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y", nil
}
