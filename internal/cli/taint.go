package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowdeploy/flowdeploy/internal/ir"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource as tainted, forcing it to be destroyed and recreated
on the next deploy. Tainting a generated secret is how it is rotated:

  flowdeploy taint random:Password.db_password

Rotating random:Password.encryption_key makes existing n8n credentials
unreadable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaint(cmd, args[0], true)
	},
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove taint from a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaint(cmd, args[0], false)
	},
}

func runTaint(cmd *cobra.Command, target string, tainted bool) error {
	op := "untaint"
	if tainted {
		op = "taint"
	}
	err := mutateState(cmd.Context(), AuditEntry{Operation: op, Address: target}, func(s *ir.State) error {
		return setTainted(s, target, tainted)
	})
	if err != nil {
		return err
	}
	if tainted {
		fmt.Fprintf(cmd.OutOrStdout(), "Resource %s has been tainted. It will be recreated on the next deploy.\n", target)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Resource %s has been untainted.\n", target)
	}
	return nil
}

func setTainted(s *ir.State, addr string, tainted bool) error {
	res := s.Lookup(addr)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", addr)
	}
	res.Tainted = tainted
	return nil
}
