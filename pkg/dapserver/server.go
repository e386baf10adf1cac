// Package dapserver serves a capsule to editors over the Debug Adapter
// Protocol. The crashed program is presented as a single thread stopped on
// an exception: frames, scopes and variables can be inspected and
// expressions evaluated, but execution can never resume.
//
// The server supports two transports:
//   - TCP: the server listens on an address and serves one client.
//   - Stdio: for editors that launch the adapter as a child process.
package dapserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"

	"github.com/willibrandon/chronodump/pkg/capsule"
)

// Server is a DAP server over one capsule.
type Server struct {
	dump *capsule.Capsule

	mu     sync.Mutex
	seq    int
	writer io.Writer
	reader *bufio.Reader

	// done is closed when the server should stop processing messages.
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a server presenting c.
func New(c *capsule.Capsule) *Server {
	return &Server{
		dump: c,
		done: make(chan struct{}),
	}
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection is closed or the client disconnects.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck
	return s.serve(conn, conn)
}

// ServeTCP listens on addr and serves a single client.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck
	return s.ServeListener(ln)
}

// ServeListener accepts one connection from ln and serves it.
func (s *Server) ServeListener(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-s.done:
			return nil
		default:
			return err
		}
	}
	return s.ServeConn(conn)
}

// ServeStdio serves DAP messages on r and w, typically os.Stdin and
// os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return s.serve(r, w)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.reader = bufio.NewReader(r)
	s.mu.Unlock()

	h := newHandler(s, s.dump)
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		h.handle(msg)
	}
}

// send writes one message. Seq is set by newResponse and newEvent.
func (s *Server) send(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dap.WriteProtocolMessage(s.writer, msg)
}

func (s *Server) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// close signals the server to stop processing messages.
func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
