package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"

	"github.com/flowdeploy/flowdeploy/internal/config"
	"github.com/flowdeploy/flowdeploy/internal/deploy"
	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
	"github.com/flowdeploy/flowdeploy/internal/provider"
	"github.com/flowdeploy/flowdeploy/internal/stack"
	"github.com/flowdeploy/flowdeploy/internal/state"
	"github.com/flowdeploy/flowdeploy/providers/docker"
)

// offlineProjectNumber stands in for the project number when the graph is
// built without calling the cloud.
const offlineProjectNumber = "PROJECT_NUMBER"

func configOptions() config.Options {
	return config.Options{
		Path:        configPath,
		Interactive: config.IsInteractive(nonInteractive),
		Prompter:    config.NewTerminalPrompter(),
	}
}

func loadProject() (*config.Project, error) {
	return config.Load(configOptions())
}

func openState(ctx context.Context, project *config.Project) (state.Backend, error) {
	backend, err := deploy.OpenBackend(ctx, project, statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	return backend, nil
}

func closeState(backend state.Backend) {
	if err := state.Close(backend); err != nil {
		logging.Warn("failed to close state backend", "state", backend.String(), "error", err)
	}
}

// readState loads the configuration and the state without taking the lock.
func readState(ctx context.Context) (*config.Project, *ir.State, error) {
	project, err := loadProject()
	if err != nil {
		return nil, nil, err
	}
	backend, err := openState(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	defer closeState(backend)
	s, err := backend.Read(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state: %w", err)
	}
	return project, s, nil
}

// mutateState applies fn to the state under the lock, writes the result and
// records entry in the audit log.
func mutateState(ctx context.Context, entry AuditEntry, fn func(*ir.State) error) error {
	project, err := loadProject()
	if err != nil {
		return err
	}
	backend, err := openState(ctx, project)
	if err != nil {
		return err
	}
	defer closeState(backend)
	err = state.WithLock(ctx, backend, func() error {
		s, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if err := fn(s); err != nil {
			return err
		}
		s.Serial++
		if err := backend.Write(ctx, s); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		return nil
	})
	audit(project, entry, err)
	return err
}

// offlineGraph builds the resource graph without touching Docker or the cloud.
func offlineGraph(project *config.Project) *ir.Config {
	return stack.Build(project, stack.Params{ProjectNumber: offlineProjectNumber})
}

// liveGraph builds the graph a deploy would converge to.
func liveGraph(ctx context.Context, project *config.Project, registry *provider.Registry) (*ir.Config, error) {
	digest, err := docker.ContextDigest(project.Path(project.BuildContext), project.Dockerfile)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint build context: %w", err)
	}
	if err := registry.LoadProvider("gcp"); err != nil {
		return nil, err
	}
	p, err := registry.Get("gcp")
	if err != nil {
		return nil, err
	}
	pn, ok := p.(interface {
		ProjectNumber(ctx context.Context, projectID string) (string, error)
	})
	if !ok {
		return nil, fmt.Errorf("provider gcp cannot look up project numbers")
	}
	number, err := pn.ProjectNumber(ctx, project.ProjectID)
	if err != nil {
		return nil, err
	}
	return stack.Build(project, stack.Params{ProjectNumber: number, ContextDigest: digest}), nil
}

type planStyles struct {
	color  bool
	create lipgloss.Style
	update lipgloss.Style
	delete lipgloss.Style
}

func newPlanStyles(color bool) planStyles {
	return planStyles{
		color:  color,
		create: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		update: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		delete: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

func (s planStyles) render(style lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return style.Render(text)
}

func (s planStyles) forAction(action string) lipgloss.Style {
	switch action {
	case "CREATE":
		return s.create
	case "DELETE":
		return s.delete
	default:
		return s.update
	}
}

func actionSymbol(action string) string {
	switch action {
	case "CREATE":
		return "+"
	case "DELETE":
		return "-"
	case "REPLACE":
		return "-/+"
	default:
		return "~"
	}
}

// renderPlanChanges prints the change list for a plan.
func renderPlanChanges(w io.Writer, plan *ir.Plan, styles planStyles) {
	for _, change := range plan.Changes {
		style := styles.forAction(change.Action)
		header := fmt.Sprintf("  # %s will be %s", change.Address, change.Action)
		if change.Reason != "" {
			header += fmt.Sprintf(" (%s)", change.Reason)
		}
		fmt.Fprintf(w, "\n%s\n", styles.render(style, header))
		fmt.Fprintf(w, "  %s %s\n", styles.render(style, actionSymbol(change.Action)), change.Address)

		keys := make([]string, 0, len(change.Diff))
		for k := range change.Diff {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d := change.Diff[k]
			switch d.Action {
			case "create":
				fmt.Fprintln(w, styles.render(styles.create, fmt.Sprintf("      + %s = %s", k, formatValue(d, d.After))))
			case "delete":
				fmt.Fprintln(w, styles.render(styles.delete, fmt.Sprintf("      - %s = %s", k, formatValue(d, d.Before))))
			default:
				fmt.Fprintln(w, styles.render(styles.update, fmt.Sprintf("      ~ %s = %s -> %s", k, formatValue(d, d.Before), formatValue(d, d.After))))
			}
		}
	}
}

// formatValue returns a human-readable representation of a diff value.
func formatValue(d *ir.PropertyDiff, v any) string {
	if d.Sensitive {
		return "(sensitive)"
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(w io.Writer, plan *ir.Plan) {
	s := plan.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
}
