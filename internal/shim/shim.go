// Package shim reconciles the platform-assigned port with the application's
// port variable and then hands the process over to the application entrypoint.
package shim

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// PlatformPortVar is injected by the hosting platform.
	PlatformPortVar = "PORT"
	// AppPortVar is the port variable the application reads.
	AppPortVar = "N8N_PORT"
	// DefaultEntrypoint is the application's own entrypoint script.
	DefaultEntrypoint = "/docker-entrypoint.sh"
)

// DiagnosticVars are reported on every start, in order. The final port comes last.
var DiagnosticVars = []string{"DB_TYPE", "DB_POSTGRESDB_HOST", "DB_POSTGRESDB_PORT", AppPortVar}

// Env is the process environment.
type Env interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
	Environ() []string
}

type osEnv struct{}

func (osEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (osEnv) Setenv(key, value string) error      { return os.Setenv(key, value) }
func (osEnv) Environ() []string                   { return os.Environ() }

// ExecFunc replaces the current process image.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Shim is the in-container launcher.
type Shim struct {
	PlatformPortVar string
	AppPortVar      string
	DiagnosticVars  []string
	Entrypoint      []string
	Out             io.Writer
	Env             Env

	execFunc ExecFunc
	lookPath func(string) (string, error)
}

// New returns a shim bound to the real process environment.
func New() *Shim {
	return &Shim{
		PlatformPortVar: PlatformPortVar,
		AppPortVar:      AppPortVar,
		DiagnosticVars:  DiagnosticVars,
		Entrypoint:      []string{DefaultEntrypoint},
		Out:             os.Stdout,
		Env:             osEnv{},
		execFunc:        defaultExec,
		lookPath:        exec.LookPath,
	}
}

// ReconcilePort copies a non-empty platform port into the application port
// variable. It reports whether the application variable was written.
func (s *Shim) ReconcilePort() bool {
	port, ok := s.Env.LookupEnv(s.PlatformPortVar)
	if !ok || port == "" {
		return false
	}
	return s.Env.Setenv(s.AppPortVar, port) == nil
}

// Report writes one line per diagnostic variable. Write errors are ignored.
func (s *Shim) Report() {
	for _, name := range s.DiagnosticVars {
		value, ok := s.Env.LookupEnv(name)
		if !ok {
			value = "<unset>"
		}
		_, _ = fmt.Fprintf(s.Out, "%s: %s\n", name, value)
	}
}

// ExecError is returned when the entrypoint could not replace the shim.
type ExecError struct {
	Path string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("failed to exec %s: %v", e.Path, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Run reconciles the port, reports diagnostics and replaces the process with
// args, or with the default entrypoint when args is empty. It only returns on
// failure.
func (s *Shim) Run(args []string) error {
	argv := args
	if len(argv) == 0 {
		argv = s.Entrypoint
	}
	if len(argv) == 0 {
		return &ExecError{Err: errors.New("no entrypoint")}
	}

	s.ReconcilePort()
	s.Report()

	path := argv[0]
	if !filepath.IsAbs(path) {
		resolved, err := s.lookPath(path)
		if err != nil {
			return &ExecError{Path: path, Err: err}
		}
		path = resolved
	}

	if err := s.execFunc(path, argv, s.Env.Environ()); err != nil {
		return &ExecError{Path: path, Err: err}
	}
	return nil
}

// ExitCode maps a hand-off failure to the conventional shell exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return 127
	case errors.Is(err, fs.ErrPermission):
		return 126
	default:
		return 1
	}
}
