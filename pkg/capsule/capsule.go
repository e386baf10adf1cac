// Package capsule captures the propagation chain of a failure together
// with the source it ran, and turns it into a self-contained document
// that can be loaded in another process and debugged post mortem.
package capsule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/sanitize"
	"github.com/willibrandon/chronodump/pkg/trace"
	"github.com/willibrandon/chronodump/pkg/walker"
)

// Version identifies the document format written by this package.
const Version = "chronodump/1"

var (
	// ErrCaptureFailed wraps whatever stopped a capture from completing.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrNothingToCapture is returned when no chain could be found.
	ErrNothingToCapture = errors.New("no stack to capture")
	// ErrUnsupportedVersion is returned for documents of another format.
	ErrUnsupportedVersion = errors.New("unsupported capsule version")
	// ErrBadFormat is returned for documents that cannot be decoded.
	ErrBadFormat = errors.New("malformed capsule")
)

// Producer describes the process a capsule was taken in.
type Producer struct {
	Module    string `json:"module,omitempty"`
	Binary    string `json:"binary,omitempty"`
	GoVersion string `json:"go_version"`
	GOOS      string `json:"goos"`
	GOARCH    string `json:"goarch"`
	Host      string `json:"host,omitempty"`
	PID       int    `json:"pid"`
}

// Capsule is a captured failure: the sanitized chain, the error that
// travelled along it and the text of every file the chain ran through.
type Capsule struct {
	ID       uuid.UUID
	Version  string
	Created  time.Time
	Producer Producer
	Message  string
	Error    *record.Value
	Stack    *record.StackRecord
	Files    map[string]string

	mu         sync.Mutex
	rehydrated bool
	restore    func()
}

// Frames returns the frames of the chain in call order.
func (c *Capsule) Frames() []*record.FrameRecord { return c.Stack.Frames() }

// Format renders the chain the way a Go traceback prints it.
func (c *Capsule) Format() string { return c.Stack.Format() }

// Top returns the name of the innermost function of the chain.
func (c *Capsule) Top() string {
	last := c.Stack.Last()
	if last == nil || last.Frame == nil || last.Frame.Code == nil {
		return ""
	}
	return last.Frame.Code.Name
}

// Source returns the captured text of one line, without its newline.
func (c *Capsule) Source(file string, line int) string {
	lines := splitLines(c.Files[file])
	if line < 1 || line > len(lines) {
		return ""
	}
	return lines[line-1]
}

var producerOnce = sync.OnceValue(func() Producer {
	p := Producer{
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		PID:       os.Getpid(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		p.Module = info.Main.Path
	}
	if exe, err := os.Executable(); err == nil {
		p.Binary = exe
	}
	if host, err := os.Hostname(); err == nil {
		p.Host = host
	}
	return p
})

// Capture records the chain of the calling goroutine. Called from a
// deferred function while a panic unwinds, the chain runs down to the
// frame that panicked.
//
//go:noinline
func Capture(opts ...Option) (*Capsule, error) {
	return capture(context.Background(), opts)
}

// CaptureContext is Capture under a tracing span taken from ctx.
//
//go:noinline
func CaptureContext(ctx context.Context, opts ...Option) (*Capsule, error) {
	return capture(ctx, opts)
}

// CapturePanic records a panic value returned by recover. It returns nil
// and no error when recovered is nil.
//
//	defer func() {
//		if r := recover(); r != nil {
//			c, _ := capsule.CapturePanic(r)
//			capsule.Save("crash.cdump", c)
//		}
//	}()
//
//go:noinline
func CapturePanic(recovered any, opts ...Option) (*Capsule, error) {
	if recovered == nil {
		return nil, nil
	}
	opts = append([]Option{withPanic(recovered)}, opts...)
	return capture(context.Background(), opts)
}

// CaptureError records the stack carried by err, which must come from
// github.com/pkg/errors or wrap such an error. The frames have no locals.
func CaptureError(err error, opts ...Option) (*Capsule, error) {
	if err == nil {
		return nil, ErrNothingToCapture
	}
	tb := trace.FromError(err)
	if tb == nil {
		return nil, fmt.Errorf("%w: %v carries no stack", ErrNothingToCapture, err)
	}
	opts = append([]Option{WithTraceback(tb), WithError(err)}, opts...)
	return capture(context.Background(), opts)
}

// Recover is deferred directly. If the surrounding function panics it
// saves a capsule to path and panics again with the same value.
//
//	defer capsule.Recover("crash.cdump")
//
//go:noinline
func Recover(path string, opts ...Option) {
	r := recover()
	if r == nil {
		return
	}
	opts = append([]Option{withPanic(r)}, opts...)
	c, err := capture(context.Background(), opts)
	if err == nil {
		if err = Save(path, c); err != nil {
			log.Errorf("capsule: saving %s: %v", path, err)
		} else {
			log.Infof("capsule: saved %s", path)
		}
	}
	panic(r)
}

// capture must be called directly by an exported entry point; the skip
// arithmetic below counts on it.
//
//go:noinline
func capture(ctx context.Context, opts []Option) (c *Capsule, err error) {
	o := newOptions(opts)

	_, span := otel.Tracer("github.com/willibrandon/chronodump/pkg/capsule").Start(ctx, "chronodump.capture",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: %v", ErrCaptureFailed, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "capture failed")
			if errors.Is(err, ErrCaptureFailed) {
				failed(err)
			}
		}
	}()

	tb := o.tb
	if tb == nil {
		// Skip capture and the exported entry point.
		tb = trace.Current(2 + o.skip)
	}
	if tb == nil {
		return nil, ErrNothingToCapture
	}

	s := o.sanitizer
	if s == nil {
		s = sanitize.New(currentConfig().Sanitize)
	}

	c = &Capsule{
		ID:       uuid.New(),
		Version:  Version,
		Created:  time.Now().UTC(),
		Producer: producerOnce(),
		Files:    make(map[string]string),
	}
	switch {
	case o.err != nil:
		c.Message = o.err.Error()
		c.Error = s.Sanitize(o.err)
	case o.panicked:
		c.Message = fmt.Sprint(o.recovered)
		c.Error = s.Sanitize(o.recovered)
	}

	c.Stack = walker.Walk(tb, s, walker.Options{IncludeBytecode: o.bytecode})
	if c.Stack == nil {
		return nil, fmt.Errorf("%w: walk produced no records", ErrCaptureFailed)
	}
	if o.panicked && o.tb == nil {
		trace.Unwind(tb)
	}
	if o.source {
		c.Files = snapshotSources(c.Stack)
	}

	span.SetAttributes(
		attribute.String("chronodump.id", c.ID.String()),
		attribute.Int("chronodump.frames", len(c.Stack.Links())),
		attribute.Int("chronodump.values", s.Memo().Len()),
		attribute.Int("chronodump.files", len(c.Files)),
	)
	log.WithFields(log.Fields{
		"id":     c.ID,
		"frames": len(c.Stack.Links()),
		"files":  len(c.Files),
	}).Debug("capsule: captured")
	return c, nil
}
