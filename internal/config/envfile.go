package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// ReadEnvFile parses a shell-style KEY=value file.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseEnv(f, path)
}

// ParseEnv reads assignments from r. Comments and quoting are stripped and
// ${NAME} expands against keys assigned earlier in the same input. Anything
// that would need a shell to evaluate is rejected.
func ParseEnv(r io.Reader, name string) (map[string]string, error) {
	file, err := syntax.NewParser(syntax.KeepComments(false)).Parse(r, name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	values := make(map[string]string)
	var pairs []string

	for _, stmt := range file.Stmts {
		assigns, err := stmtAssigns(stmt)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, stmt.Pos().Line(), err)
		}

		for _, a := range assigns {
			if a.Array != nil || a.Append || a.Index != nil || a.Name == nil {
				return nil, fmt.Errorf("%s:%d: only plain KEY=value assignments are supported", name, a.Pos().Line())
			}

			value := ""
			if a.Value != nil {
				cfg := &expand.Config{Env: expand.ListEnviron(pairs...)}
				value, err = expand.Literal(cfg, a.Value)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: %s: %w", name, a.Pos().Line(), a.Name.Value, err)
				}
			}

			values[a.Name.Value] = value
			pairs = append(pairs, a.Name.Value+"="+value)
		}
	}

	return values, nil
}

func stmtAssigns(stmt *syntax.Stmt) ([]*syntax.Assign, error) {
	if stmt.Negated || stmt.Background || stmt.Coprocess || len(stmt.Redirs) > 0 {
		return nil, fmt.Errorf("unsupported statement")
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(cmd.Args) > 0 {
			return nil, fmt.Errorf("unexpected command %q", wordString(cmd.Args[0]))
		}
		return cmd.Assigns, nil
	case *syntax.DeclClause:
		if cmd.Variant == nil || cmd.Variant.Value != "export" {
			return nil, fmt.Errorf("unsupported declaration")
		}
		for _, a := range cmd.Args {
			if a.Naked {
				return nil, fmt.Errorf("export without a value")
			}
		}
		return cmd.Args, nil
	default:
		return nil, fmt.Errorf("only assignments are allowed")
	}
}

func wordString(w *syntax.Word) string {
	if lit := w.Lit(); lit != "" {
		return lit
	}
	var b strings.Builder
	syntax.NewPrinter().Print(&b, w)
	return b.String()
}
