package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/providers/random"
)

var stateShowSensitive bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit deployment state",
	Long:  `Commands for inspecting and modifying flowdeploy state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy it)",
	Long: `Forgets a resource without deleting it. Use this to recover from a
conflict where state holds an entry for something that no longer exists.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateRm,
}

func init() {
	stateShowCmd.Flags().BoolVar(&stateShowSensitive, "show-sensitive", false, "Print sensitive values in clear")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

// sensitiveOutputs are provider outputs that hold secrets.
var sensitiveOutputs = map[string][]string{
	random.TypePassword: {"result"},
}

func runStateList(cmd *cobra.Command, args []string) error {
	_, s, err := readState(cmd.Context())
	if err != nil {
		return err
	}
	listState(cmd.OutOrStdout(), s)
	return nil
}

func listState(w io.Writer, s *ir.State) {
	if len(s.Resources) == 0 {
		fmt.Fprintln(w, "No resources in state.")
		return
	}

	fmt.Fprintf(w, "State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		suffix := ""
		if res.Tainted {
			suffix = " (tainted)"
		}
		fmt.Fprintf(w, "  %s%s\n", res.Address(), suffix)
	}
	fmt.Fprintf(w, "\nTotal: %d resource(s)\n", len(s.Resources))
}

func runStateShow(cmd *cobra.Command, args []string) error {
	_, s, err := readState(cmd.Context())
	if err != nil {
		return err
	}
	res := s.Lookup(args[0])
	if res == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}
	showResource(cmd.OutOrStdout(), res, stateShowSensitive)
	return nil
}

func showResource(w io.Writer, res *ir.ResourceState, reveal bool) {
	fmt.Fprintf(w, "# %s\n", res.Address())
	fmt.Fprintf(w, "  provider = %s\n", res.Provider)
	if res.Tainted {
		fmt.Fprintln(w, "  tainted  = true")
	}

	hidden := func(keys []string) func(string) bool {
		return func(k string) bool {
			if reveal {
				return false
			}
			for _, s := range keys {
				if s == k {
					return true
				}
			}
			return false
		}
	}
	printAttrs(w, "Inputs", res.Inputs, hidden(res.Sensitive))
	printAttrs(w, "Outputs", res.Outputs, hidden(append(append([]string{}, res.Sensitive...), sensitiveOutputs[res.Type]...)))

	if len(res.Dependencies) > 0 {
		fmt.Fprintf(w, "\n  depends on:\n")
		for _, dep := range res.Dependencies {
			fmt.Fprintf(w, "    %s\n", dep)
		}
	}
	if res.InputsHash != "" {
		fmt.Fprintf(w, "\n  inputs_hash = %s\n", res.InputsHash)
	}
}

func printAttrs(w io.Writer, title string, attrs map[string]any, hidden func(string) bool) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n  %s:\n", title)
	for _, k := range keys {
		v := any(attrs[k])
		if hidden(k) {
			v = "(sensitive)"
		}
		fmt.Fprintf(w, "    %s = %v\n", k, v)
	}
}

func runStateMv(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	err := mutateState(cmd.Context(), AuditEntry{Operation: "state.mv", Address: src}, func(s *ir.State) error {
		return moveResource(s, src, dst)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", src, dst)
	return nil
}

// moveResource renames a state entry. The type cannot change.
func moveResource(s *ir.State, src, dst string) error {
	res := s.Lookup(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	name, ok := strings.CutPrefix(dst, res.Type+".")
	if !ok || name == "" {
		return fmt.Errorf("invalid destination address %q, expected %s.<name>", dst, res.Type)
	}
	if s.Lookup(dst) != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}
	res.Name = name
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	target := args[0]
	err := mutateState(cmd.Context(), AuditEntry{Operation: "state.rm", Address: target}, func(s *ir.State) error {
		if !s.Remove(target) {
			return fmt.Errorf("resource %s not found in state", target)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state (the resource was NOT destroyed)\n", target)
	return nil
}
