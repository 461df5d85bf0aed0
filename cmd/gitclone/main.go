// Command gitclone clones git repositories over smart HTTP and SSH.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitDestination    = 2
	exitAuthentication = 3
	exitRefNotFound    = 4
)

type globalOptions struct {
	logLevel string
	logJSON  bool
}

func newRootCmd() *cobra.Command {
	global := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "gitclone",
		Short: "Clone git repositories",
		Long: `A git clone engine speaking the smart HTTP and SSH transports.
It negotiates refs with the remote, streams the pack into a quarantined
object store, records branches and tags, and checks out the working tree.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.InitLogger(global.logLevel, global.logJSON); err != nil {
				return clonerr.Wrap("cli", clonerr.KindInvalidPlan, err)
			}
			transport.DefaultAgent = "go-gitclone/" + version
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&global.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&global.logJSON, "log-json", false, "Log in JSON format")

	cmd.AddCommand(
		newCloneCmd(),
		newCheckoutCmd(),
		newVersionCmd(),
	)
	return cmd
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, clonerr.ErrDestinationNotEmpty), errors.Is(err, clonerr.ErrLockContention):
		return exitDestination
	case errors.Is(err, clonerr.ErrAuthentication):
		return exitAuthentication
	case errors.Is(err, clonerr.ErrRefNotFound):
		return exitRefNotFound
	}
	return exitFailure
}

func execute(cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	os.Exit(execute(newRootCmd(), os.Args[1:], os.Stderr))
}
