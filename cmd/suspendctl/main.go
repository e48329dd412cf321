// Command suspendctl runs plans under signal-driven suspenders, runs
// pre-flight checklists and drives signals for testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq" // Postgres journal driver
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// failure marks an error as a failed check or run rather than a usage or
// runtime problem.
type failure struct{ err error }

func (f failure) Error() string { return f.err.Error() }
func (f failure) Unwrap() error { return f.err }

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRoot(stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "suspendctl: %v\n", err)
	var f failure
	if errors.As(err, &f) {
		return exitFailure
	}
	return exitUsage
}

func newRoot(stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "suspendctl",
		Short:         "Signal-driven suspend/resume for long-running plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(stderr),
		checkCmd(stderr),
		putCmd(stderr),
		getCmd(stderr),
		watchCmd(stderr),
		journalCmd(stderr),
	)
	return root
}
