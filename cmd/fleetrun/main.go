// Command fleetrun runs one command on every host of a worker fleet over SSH
// and exits with a code a CI orchestrator can act on: 0 when every host
// succeeded, the warning code when some failed, the error code when the
// round could not run.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// exitFunc is replaced in tests to capture the exit code.
var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}
