// Command flowshim runs as the container entrypoint. It copies the platform
// port into the application's port variable, prints diagnostics and execs the
// application entrypoint given as arguments.
package main

import (
	"os"

	"github.com/flowdeploy/flowdeploy/internal/logging"
	"github.com/flowdeploy/flowdeploy/internal/shim"
)

func main() {
	logging.Init(os.Getenv("FLOWSHIM_LOG_LEVEL"), logging.FormatJSON)

	s := shim.New()
	if err := s.Run(os.Args[1:]); err != nil {
		logging.Error("entrypoint hand-off failed", "error", err)
		os.Exit(shim.ExitCode(err))
	}
}
