package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/NicabarNimble/go-gitclone/internal/git"
	"github.com/NicabarNimble/go-gitclone/internal/progress"
)

// checkoutFunc allows for mocking in tests
var checkoutFunc = git.Checkout

func newCheckoutCmd() *cobra.Command {
	var (
		quiet    bool
		lockWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "checkout <path>",
		Short: "Check out the working tree of a clone made with --no-checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			opts := git.CheckoutOptions{Path: args[0], LockWait: lockWait}
			if !quiet {
				opts.Progress = progress.NewConsoleTracker(cmd.ErrOrStderr())
			}
			res, err := checkoutFunc(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked out %d files (%d bytes) from tree %s\n", res.Files, res.Bytes, res.Tree)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not report progress")
	cmd.Flags().DurationVar(&lockWait, "lock-wait", 0, "Wait this long for a concurrent clone to finish")
	return cmd
}
