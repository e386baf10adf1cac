package trace

import (
	"errors"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/willibrandon/chronodump/pkg/instrumentation"
	"github.com/willibrandon/chronodump/pkg/record"
)

// Current returns the propagation chain of the calling goroutine, skipping
// skip frames above the caller. Called while a panic unwinds, for example
// from a deferred function, the chain runs from the function that deferred
// the handler down to the frame that panicked. Otherwise it ends at the
// caller.
//
//go:noinline
func Current(skip int) Traceback {
	frames := instrumentation.Callers(skip + 1)
	return build(frames, instrumentation.GoroutineID())
}

// FromPCs returns the chain described by program counters as reported by
// runtime.Callers. The frames carry no locals.
func FromPCs(pcs []uintptr) Traceback {
	return build(instrumentation.FramesOf(pcs), -1)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// FromError returns the chain recorded by the innermost error in err's
// chain that carries a github.com/pkg/errors stack, or nil.
func FromError(err error) Traceback {
	var st stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s
		}
	}
	if st == nil {
		return nil
	}
	stack := st.StackTrace()
	pcs := make([]uintptr, len(stack))
	for i, f := range stack {
		pcs[i] = uintptr(f)
	}
	return FromPCs(pcs)
}

type located struct {
	runtime.Frame
	depth int
}

// chainFrames picks the frames that make up the chain, innermost first.
// The first n of them are chain links; the rest are only reachable as
// callers.
func chainFrames(frames []runtime.Frame) (out []located, n int) {
	start, end := 0, len(frames)
	if p := instrumentation.PanicIndex(frames); p >= 0 {
		start = p + 1
		if p > 0 {
			catcher := catcherName(frames[p-1].Function)
			for j := start; j < len(frames); j++ {
				if frames[j].Function == catcher {
					end = j + 1
					break
				}
			}
		}
	}

	collect := func(filter bool) {
		out, n = out[:0], 0
		for i := start; i < len(frames); i++ {
			if filter && !instrumentation.ShouldInstrument(record.PackageOf(frames[i].Function)) {
				continue
			}
			out = append(out, located{Frame: frames[i], depth: instrumentation.Depth(frames, i)})
			if i < end {
				n++
			}
		}
	}
	collect(true)
	if n == 0 {
		collect(false)
	}
	return out, n
}

// catcherName strips closure and wrapper suffixes, turning the deferred
// function main.main.func1 into the function main.main that deferred it.
func catcherName(fn string) string {
	for {
		i := strings.LastIndexByte(fn, '.')
		if i < 0 || i < strings.LastIndexByte(fn, '/') {
			return fn
		}
		seg := fn[i+1:]
		if _, err := strconv.Atoi(strings.TrimPrefix(seg, "func")); err != nil && !wrapperSeg(seg) {
			return fn
		}
		fn = fn[:i]
	}
}

func build(frames []runtime.Frame, gid int64) Traceback {
	selected, n := chainFrames(frames)
	if n == 0 {
		return nil
	}

	codes := make(map[string]*liveCode)
	live := make([]*liveFrame, len(selected))
	for i, f := range selected {
		code, ok := codes[f.Function]
		if !ok {
			code = &liveCode{sourceCode{file: absPath(f.File), name: f.Function, line: f.Line}}
			codes[f.Function] = code
		}
		lf := &liveFrame{frame: f.Frame, code: code, depth: f.depth, gid: gid}
		if gid >= 0 {
			lf.scope = instrumentation.Lookup(gid, f.Function, f.depth)
		}
		live[i] = lf
	}
	for i := 0; i+1 < len(live); i++ {
		live[i].back = live[i+1]
	}

	var head *link
	for i := 0; i < n; i++ {
		head = &link{frame: live[i], next: head}
	}
	return head
}

// Unwind drops the instrumentation scopes retained for the frames of a
// chain taken during a panic, once the panic has been handled.
func Unwind(tb Traceback) {
	var outermost *liveFrame
	for _, l := range Links(tb) {
		if lf, ok := l.Frame().(*liveFrame); ok && lf.gid >= 0 {
			if outermost == nil || lf.depth < outermost.depth {
				outermost = lf
			}
		}
	}
	if outermost != nil {
		instrumentation.Unwind(outermost.gid, outermost.depth+1)
	}
}

func absPath(file string) string {
	if file == "" {
		return ""
	}
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return file
}

type link struct {
	frame *liveFrame
	next  *link
}

func (l *link) Frame() Frame { return l.frame }

func (l *link) Line() int { return l.frame.frame.Line }

func (l *link) Next() Traceback {
	if l.next == nil {
		return nil
	}
	return l.next
}

type liveFrame struct {
	frame runtime.Frame
	code  *liveCode
	depth int
	gid   int64
	scope *instrumentation.Scope
	back  *liveFrame
}

func (f *liveFrame) Code() Code { return f.code }

func (f *liveFrame) Line() int { return f.frame.Line }

func (f *liveFrame) Locals() map[string]reflect.Value {
	if f.scope == nil {
		return map[string]reflect.Value{}
	}
	return f.scope.Locals()
}

func (f *liveFrame) Globals() map[string]reflect.Value {
	return instrumentation.Globals(record.PackageOf(f.frame.Function))
}

func (f *liveFrame) Receiver() string { return f.scope.ReceiverName() }

func (f *liveFrame) Back() Frame {
	if f.back == nil {
		return nil
	}
	return f.back
}

func (f *liveFrame) Goroutine() int64 { return f.gid }

// liveCode is a function of the running executable.
type liveCode struct {
	sourceCode
}

func (c *liveCode) Bytecode() ([]byte, error) { return readBytecode(c.name) }
