package instrumentation

import (
	"runtime"
	"strings"

	"github.com/petermattis/goid"
)

// GoroutineID returns the ID of the calling goroutine.
func GoroutineID() int64 {
	return goid.Get()
}

// Callers returns the logical frames of the calling goroutine, innermost
// first, skipping skip frames above the caller of Callers. Inlined calls
// are expanded so that depths agree no matter how the compiler inlined.
//
//go:noinline
func Callers(skip int) []runtime.Frame {
	pcs := make([]uintptr, 64)
	for {
		n := runtime.Callers(skip+2, pcs)
		if n < len(pcs) {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, len(pcs)*2)
	}
	return FramesOf(pcs)
}

// FramesOf expands program counters into logical frames.
func FramesOf(pcs []uintptr) []runtime.Frame {
	out := make([]runtime.Frame, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" || f.File != "" {
			out = append(out, f)
		}
		if !more {
			break
		}
	}
	return out
}

// Depth returns the depth of frames[i], counted from the outermost frame.
// A function keeps the same depth for as long as it is on the stack.
func Depth(frames []runtime.Frame, i int) int {
	return len(frames) - 1 - i
}

// panicking reports whether a panic is running the deferred call that
// reached the caller of panicking. Compiler generated defer wrappers and
// closures between the two are skipped.
func panicking() bool {
	var pcs [8]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		switch {
		case f.Function == "runtime.gopanic":
			return true
		case !wrapper(f.Function):
			return false
		case !more:
			return false
		}
	}
}

// wrapper reports whether fn is a closure or defer wrapper, named like
// pkg.f.func1, pkg.f.deferwrap1 or pkg.f.func1.2.
func wrapper(fn string) bool {
	i := strings.LastIndexByte(fn, '.')
	if i < 0 {
		return false
	}
	seg := fn[i+1:]
	if strings.Trim(seg, digits) == "" {
		return true
	}
	for _, prefix := range []string{"func", "deferwrap", "gowrap"} {
		if rest, ok := strings.CutPrefix(seg, prefix); ok && rest != "" && strings.Trim(rest, digits) == "" {
			return true
		}
	}
	return false
}

const digits = "0123456789"

// PanicIndex returns the index of the innermost runtime.gopanic frame, or
// -1 when frames were not collected during a panic.
func PanicIndex(frames []runtime.Frame) int {
	for i, f := range frames {
		if f.Function == "runtime.gopanic" {
			return i
		}
	}
	return -1
}

// RuntimeFrame reports whether f belongs to the runtime itself.
func RuntimeFrame(f runtime.Frame) bool {
	return strings.HasPrefix(f.Function, "runtime.")
}
