package dapserver

import (
	"context"
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/debugger"
)

// Backend serves post-mortem sessions to an editor. With an Addr it
// listens for one TCP client; otherwise it speaks DAP on standard I/O.
type Backend struct {
	Addr string
	In   io.Reader
	Out  io.Writer

	// Listening, when set, is told the address once the listener is up.
	Listening func(net.Addr)
}

var _ debugger.Backend = (*Backend)(nil)

// Name implements debugger.Backend.
func (b *Backend) Name() string { return "dap" }

// PostMortem serves c until the client disconnects or ctx is done.
func (b *Backend) PostMortem(ctx context.Context, c *capsule.Capsule) error {
	s := New(c)
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	var err error
	if b.Addr == "" {
		in, out := b.In, b.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		err = s.ServeStdio(in, out)
	} else {
		var ln net.Listener
		ln, err = net.Listen("tcp", b.Addr)
		if err != nil {
			return err
		}
		defer ln.Close() //nolint:errcheck
		closeLn := context.AfterFunc(ctx, func() { ln.Close() }) //nolint:errcheck
		defer closeLn()

		log.Infof("dap: serving capsule %s on %s", c.ID, ln.Addr())
		if b.Listening != nil {
			b.Listening(ln.Addr())
		}
		err = s.ServeListener(ln)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
