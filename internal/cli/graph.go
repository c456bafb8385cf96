package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/engine"
	"github.com/flowdeploy/flowdeploy/internal/ir"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates the resource dependency graph in Graphviz DOT format. Pipe the
output to 'dot' to render it:

  flowdeploy graph | dot -Tpng > graph.png`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	project, err := loadProject()
	if err != nil {
		return err
	}
	return writeDOT(cmd.OutOrStdout(), offlineGraph(project))
}

func writeDOT(w io.Writer, cfg *ir.Config) error {
	dag, err := engine.BuildDAG(engine.ExpandForEach(cfg.Resources))
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	fmt.Fprintln(w, "digraph flowdeploy {")
	fmt.Fprintln(w, `  rankdir = "BT";`)
	fmt.Fprintln(w, "  node [shape = rect];")
	fmt.Fprintln(w)

	order := dag.CreationOrder()
	for _, addr := range order {
		fmt.Fprintf(w, "  %q;\n", addr)
	}
	fmt.Fprintln(w)

	for _, addr := range order {
		for _, dep := range dag.Dependencies(addr) {
			fmt.Fprintf(w, "  %q -> %q;\n", addr, dep)
		}
	}

	fmt.Fprintln(w, "}")
	return nil
}
