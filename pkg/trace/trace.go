// Package trace exposes a propagation chain, whether live or described by
// a debugger, through three small interfaces that the walker consumes.
package trace

import (
	"reflect"
	"strings"

	"github.com/willibrandon/chronodump/pkg/record"
)

// Traceback is one link of a propagation chain, oldest call first.
type Traceback interface {
	Frame() Frame
	// Line is the line executing in Frame when the chain was taken
	Line() int
	// Next returns the link one call further in, or nil
	Next() Traceback
}

// Frame is one function activation.
type Frame interface {
	Code() Code
	Line() int
	// Locals returns the registered local variables. Values may be
	// addressable so that shared references are recognized.
	Locals() map[string]reflect.Value
	Globals() map[string]reflect.Value
	// Receiver names the local holding the method receiver, if any
	Receiver() string
	// Back returns the calling frame, or nil
	Back() Frame
	Goroutine() int64
}

// Code is one function body, shared by all of its activations.
type Code interface {
	Filename() string
	Name() string
	Info() (CodeInfo, error)
	Nested() ([]Code, error)
	Bytecode() ([]byte, error)
}

// CodeInfo is what source analysis learns about a function.
type CodeInfo struct {
	ArgCount  int
	FirstLine int
	LastLine  int
	Lines     []int
	VarNames  []string
	Receiver  string
}

// Links returns the chain starting at tb, in order.
func Links(tb Traceback) []Traceback {
	var out []Traceback
	for ; tb != nil; tb = tb.Next() {
		out = append(out, tb)
	}
	return out
}

// Entries normalizes tb the same way record.StackRecord.Entries does, so
// a live chain and its reconstruction render identically.
func Entries(tb Traceback, src record.SourceFunc) []record.Entry {
	var out []record.Entry
	for _, l := range Links(tb) {
		e := record.Entry{Line: l.Line(), Func: "?"}
		if f := l.Frame(); f != nil && f.Code() != nil {
			e.File = f.Code().Filename()
			e.Func = f.Code().Name()
		}
		if src != nil && e.File != "" {
			e.Text = strings.TrimSpace(src(e.File, e.Line))
		}
		out = append(out, e)
	}
	return out
}

// Format renders tb without source text.
func Format(tb Traceback) string {
	return record.FormatEntries(Entries(tb, nil))
}
