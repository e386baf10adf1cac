package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/debugger"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		output  string
		dlv     string
		depth   int
		timeout time.Duration
		store   bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] binary [-- args...]",
		Short: "Run a binary under delve and capture its crash",
		Long: `Run an uninstrumented binary under delve until it dies of an
unrecovered panic or a fatal error, then read the crashed goroutine's
frames and variables and save them as a capsule.

The binary should be built with -gcflags=all="-N -l" for complete
variables. Requires dlv on PATH, or --dlv.

Examples:
  chronodump exec ./server
  chronodump exec -o crash.cdump ./server -- -port 8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := debugger.DefaultDelveOptions()
			if dlv != "" {
				opts.Dlv = dlv
			}
			if depth > 0 {
				opts.Depth = depth
			}
			if timeout > 0 {
				opts.StartTimeout = timeout
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := debugger.Exec(ctx, args[0], args[1:], opts)
			if errors.Is(err, debugger.ErrNoCrash) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s exited without crashing\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = c.ID.String() + ".cdump"
			}
			if err := capsule.Save(path, c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\ncapsule saved to %s\n", c.Top(), c.Message, path)

			if store {
				r, err := a.openArchive()
				if err != nil {
					return err
				}
				defer r.Close()
				art, err := capsule.Store(r, c)
				if err != nil {
					return err
				}
				log.Infof("archived %s", art.ID)
			}
			return nil
		},
	}

	// Everything after the binary belongs to it
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to save the capsule (default is <id>.cdump)")
	cmd.Flags().StringVar(&dlv, "dlv", "", "dlv executable (default is dlv on PATH)")
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum number of frames read from the crashed goroutine")
	cmd.Flags().DurationVar(&timeout, "start-timeout", 0, "how long to wait for delve to come up")
	cmd.Flags().BoolVar(&store, "store", false, "also add the capsule to the archive")
	return cmd
}
