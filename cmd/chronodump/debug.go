package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/dapserver"
	"github.com/willibrandon/chronodump/pkg/debugger"
)

func newDebugCmd() *cobra.Command {
	var (
		backend string
		listen  string
		stdio   bool
		width   int
	)

	cmd := &cobra.Command{
		Use:   "debug [flags] file.cdump",
		Short: "Open a capsule in a post-mortem debugger",
		Long: `Load a capsule, rehydrate it and hand it to a debugger backend.

Backends:
  console   Interactive debugger on the terminal (default)
  print     Print the trace and every frame's locals, then exit
  dap       Debug Adapter Protocol server for editors

Transport modes (dap):
  --listen ADDR   Serve one client on a TCP address (default: 127.0.0.1:4711)
  --stdio         Use stdin/stdout, for editors that launch the adapter

Examples:
  chronodump debug crash.cdump
  chronodump debug --backend print crash.cdump
  chronodump debug --backend dap --listen :4711 crash.cdump`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := capsule.Open(args[0])
			if err != nil {
				return err
			}
			defer c.Release()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			switch backend {
			case "console":
				debugger.Register(debugger.NewConsole(
					debugger.WithInput(cmd.InOrStdin()),
					debugger.WithOutput(cmd.OutOrStdout()),
				))
			case "print":
				debugger.Register(debugger.NewPrinterTo(cmd.OutOrStdout(), width))
			case "dap":
				b := &dapserver.Backend{
					Addr: listen,
					In:   cmd.InOrStdin(),
					Out:  cmd.OutOrStdout(),
					Listening: func(addr net.Addr) {
						fmt.Fprintf(cmd.ErrOrStderr(), "DAP server listening on %s\n", addr)
					},
				}
				if stdio {
					b.Addr = ""
				}
				debugger.Register(b)
			}
			return debugger.Debug(ctx, backend, c)
		},
	}

	cmd.Flags().StringVarP(&backend, "backend", "b", "console", "debugger backend: console, print or dap")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:4711", "address the dap backend listens on")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve DAP on stdin/stdout")
	cmd.Flags().IntVar(&width, "width", 100, "wrap long values at this column (0 disables)")
	return cmd
}

func newShowCmd() *cobra.Command {
	var width int
	cmd := &cobra.Command{
		Use:   "show [flags] file.cdump",
		Short: "Print the trace and locals of a capsule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := capsule.Open(args[0])
			if err != nil {
				return err
			}
			defer c.Release()
			_, err = fmt.Fprint(cmd.OutOrStdout(), debugger.Render(c, width))
			return err
		},
	}
	cmd.Flags().IntVar(&width, "width", 100, "wrap long values at this column (0 disables)")
	return cmd
}
