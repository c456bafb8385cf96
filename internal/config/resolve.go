package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Source yields a value for a key, or "" when it has nothing to offer.
type Source interface {
	Lookup(key Key) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(key Key) (string, error)

func (f SourceFunc) Lookup(key Key) (string, error) { return f(key) }

// Key describes one configuration key and where it may come from.
type Key struct {
	Name     string
	EnvVar   string
	Default  string
	Required bool
	Prompt   string
}

// Prompter asks the operator for a value.
type Prompter interface {
	Prompt(label string) (string, error)
}

// MissingError reports a required key that no source could supply.
type MissingError struct {
	Key  Key
	File string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s is required: set it in %s or export %s", e.Key.Name, e.File, e.Key.EnvVar)
}

// Resolver walks an ordered chain of sources for each key; the first
// non-empty value wins.
type Resolver struct {
	File        string
	Values      map[string]string
	Environ     func(string) (string, bool)
	Prompter    Prompter
	Interactive bool
}

// FileSource returns values read from the configuration file.
func (r *Resolver) FileSource() Source {
	return SourceFunc(func(key Key) (string, error) {
		return strings.TrimSpace(r.Values[key.Name]), nil
	})
}

// EnvSource returns the key's environment override.
func (r *Resolver) EnvSource() Source {
	return SourceFunc(func(key Key) (string, error) {
		if key.EnvVar == "" {
			return "", nil
		}
		lookup := r.Environ
		if lookup == nil {
			lookup = os.LookupEnv
		}
		v, _ := lookup(key.EnvVar)
		return strings.TrimSpace(v), nil
	})
}

// DefaultSource returns the documented default for optional keys.
func (r *Resolver) DefaultSource() Source {
	return SourceFunc(func(key Key) (string, error) {
		if key.Required {
			return "", nil
		}
		return key.Default, nil
	})
}

// PromptSource asks for required keys, only when the run is interactive.
func (r *Resolver) PromptSource() Source {
	return SourceFunc(func(key Key) (string, error) {
		if !key.Required || !r.Interactive || r.Prompter == nil {
			return "", nil
		}
		label := key.Prompt
		if label == "" {
			label = key.Name
		}
		v, err := r.Prompter.Prompt(label)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", key.Name, err)
		}
		return strings.TrimSpace(v), nil
	})
}

// Chain returns the sources in precedence order.
func (r *Resolver) Chain() []Source {
	return []Source{r.FileSource(), r.EnvSource(), r.DefaultSource(), r.PromptSource()}
}

// Resolve returns the first non-empty value for key, or a MissingError when
// a required key stays empty.
func (r *Resolver) Resolve(key Key) (string, error) {
	for _, src := range r.Chain() {
		v, err := src.Lookup(key)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	if key.Required {
		return "", &MissingError{Key: key, File: r.File}
	}
	return "", nil
}

// IsInteractive reports whether the process can prompt the operator.
func IsInteractive(nonInteractive bool) bool {
	if nonInteractive {
		return false
	}
	if ci, ok := os.LookupEnv("CI"); ok && ci != "" && ci != "false" {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// LinePrompter reads one line per prompt.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// NewTerminalPrompter prompts on stderr and reads from stdin.
func NewTerminalPrompter() *LinePrompter {
	return &LinePrompter{In: os.Stdin, Out: os.Stderr}
}

func (p *LinePrompter) Prompt(label string) (string, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	fmt.Fprintf(p.Out, "%s: ", label)
	line, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
