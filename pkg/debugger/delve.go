package debugger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/capsule"
)

// Names of the breakpoints delve sets on its own for fatal errors.
const (
	unrecoveredPanic = "unrecovered-runtime-panic"
	fatalThrow       = "runtime-fatal-throw"
)

// ErrNoCrash is returned when the program exits without panicking.
var ErrNoCrash = errors.New("program exited without a crash")

// DelveOptions configures a delve session.
type DelveOptions struct {
	// Dlv is the dlv executable; "dlv" is looked up on PATH
	Dlv string
	// Depth limits the number of frames read from the crashed goroutine
	Depth int
	// Load bounds how much of each variable is read
	Load api.LoadConfig
	// StartTimeout bounds the wait for the headless server
	StartTimeout time.Duration
}

// DefaultDelveOptions returns the options used by Exec.
func DefaultDelveOptions() DelveOptions {
	return DelveOptions{
		Dlv:   "dlv",
		Depth: 64,
		Load: api.LoadConfig{
			FollowPointers:     true,
			MaxVariableRecurse: 2,
			MaxStringLen:       256,
			MaxArrayValues:     64,
			MaxStructFields:    -1,
		},
		StartTimeout: 10 * time.Second,
	}
}

// DelveSession wraps a Delve RPC client session, managing the underlying dlv process
type DelveSession struct {
	client    *rpc2.RPCClient
	target    string    // Target binary path
	dlvCmd    *exec.Cmd // The running 'dlv exec' command
	dlvListen string    // The address dlv is listening on (e.g., "localhost:12345")
	opts      DelveOptions
}

// findFreePort finds an available TCP port on localhost
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// StartDelve launches a Delve headless server for the target with the
// given command line arguments and connects to it. The target is stopped
// before its first instruction.
func StartDelve(ctx context.Context, targetPath string, args []string, opts DelveOptions) (*DelveSession, error) {
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %w", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %w", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + listen,
		"--api-version=2",
	}
	// Only add the '--' separator if we have args to pass
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}

	dlv := opts.Dlv
	if dlv == "" {
		dlv = "dlv"
	}
	cmd := exec.Command(dlv, cmdArgs...)
	setupProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start delve process: %w", err)
	}
	log.Debugf("debugger: delve for %s on %s (pid %d)", absPath, listen, cmd.Process.Pid)

	d := &DelveSession{target: absPath, dlvCmd: cmd, dlvListen: listen, opts: opts}
	if err := d.connect(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Target returns the absolute path of the program being run.
func (d *DelveSession) Target() string { return d.target }

// connect waits for the headless server to accept connections.
func (d *DelveSession) connect(ctx context.Context) error {
	timeout := d.opts.StartTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", d.dlvListen, time.Second)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("delve server at %s did not start: %w", d.dlvListen, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	d.client = rpc2.NewClient(d.dlvListen)
	if _, err := d.client.GetState(); err != nil {
		return fmt.Errorf("failed to connect RPC client to delve server at %s: %w", d.dlvListen, err)
	}
	return nil
}

// RunToCrash resumes the target until it stops on a fatal panic or throw.
// It returns ErrNoCrash if the program exits normally.
func (d *DelveSession) RunToCrash(ctx context.Context) (*api.DebuggerState, error) {
	for {
		var state *api.DebuggerState
		select {
		case <-ctx.Done():
			_, _ = d.client.Halt()
			return nil, ctx.Err()
		case state = <-d.client.Continue():
		}
		if state == nil {
			return nil, fmt.Errorf("delve closed the session")
		}
		if state.Exited {
			return nil, fmt.Errorf("%w (status %d)", ErrNoCrash, state.ExitStatus)
		}
		if state.Err != nil {
			return nil, state.Err
		}
		if th := state.CurrentThread; th != nil && th.Breakpoint != nil {
			switch th.Breakpoint.Name {
			case unrecoveredPanic, fatalThrow:
				return state, nil
			}
			log.Debugf("debugger: ignoring breakpoint %d at %s:%d", th.Breakpoint.ID, th.File, th.Line)
		}
	}
}

// Capture converts the goroutine that crashed into a capsule.
func (d *DelveSession) Capture(ctx context.Context, state *api.DebuggerState) (*capsule.Capsule, error) {
	th := state.CurrentThread
	if th == nil {
		return nil, fmt.Errorf("%w: no current thread", capsule.ErrNothingToCapture)
	}
	cfg := d.opts.Load
	frames, err := d.client.Stacktrace(th.GoroutineID, d.opts.Depth, 0, &cfg)
	if err != nil {
		return nil, fmt.Errorf("reading stack of goroutine %d: %w", th.GoroutineID, err)
	}
	tb := RemoteTraceback(frames, th.GoroutineID)
	if tb == nil {
		return nil, fmt.Errorf("%w: goroutine %d has no program frames", capsule.ErrNothingToCapture, th.GoroutineID)
	}
	return capsule.CaptureContext(ctx,
		capsule.WithTraceback(tb),
		capsule.WithError(crashError(th)),
	)
}

// crashError describes why the thread stopped. Delve loads the panic
// value into the breakpoint's variables.
func crashError(th *api.Thread) error {
	if th.BreakpointInfo != nil {
		for i := range th.BreakpointInfo.Variables {
			v := &th.BreakpointInfo.Variables[i]
			if v.Unreadable == "" {
				return fmt.Errorf("panic: %s", v.SinglelineString())
			}
		}
	}
	if th.Breakpoint != nil && th.Breakpoint.Name == fatalThrow {
		return errors.New("fatal error")
	}
	return errors.New("panic")
}

// Close terminates the connection and the Delve process
func (d *DelveSession) Close() error {
	var closeErr error
	if d.client != nil {
		if err := d.client.Detach(true); err != nil {
			closeErr = fmt.Errorf("failed to detach delve client: %w", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		pid := d.dlvCmd.Process.Pid
		if err := d.dlvCmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debugf("debugger: killing delve process %d: %v", pid, err)
		}
		if _, err := d.dlvCmd.Process.Wait(); err != nil && !isWaitAlreadyExited(err) {
			log.Debugf("debugger: waiting for delve process %d: %v", pid, err)
		}
		d.dlvCmd = nil
	}
	return closeErr
}

// Helper to check for specific Wait error on Windows
func isWaitAlreadyExited(err error) bool {
	if e, ok := err.(*exec.ExitError); ok {
		if status, ok := e.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus() == -1
		}
	}
	return false
}

// Exec runs target under delve until it crashes and returns the capsule
// of the crash.
func Exec(ctx context.Context, target string, args []string, opts DelveOptions) (*capsule.Capsule, error) {
	d, err := StartDelve(ctx, target, args, opts)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	state, err := d.RunToCrash(ctx)
	if err != nil {
		return nil, err
	}
	return d.Capture(ctx, state)
}
