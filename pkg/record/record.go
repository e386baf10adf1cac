// Package record defines the inert substitutes that stand in for live Go
// stack state once it has been captured. Every record carries a Concept
// discriminant naming the runtime concept it replaces, so consumers can
// dispatch on it without caring where the record came from.
package record

import (
	"path/filepath"
	"sort"
	"strings"
)

// Concept names the runtime concept a record stands in for.
type Concept string

const (
	ConceptCode  Concept = "code"
	ConceptFrame Concept = "frame"
	ConceptStack Concept = "stack"
)

// CodeRecord describes one compiled function. It is created once per
// distinct function encountered during a capture and never mutated.
type CodeRecord struct {
	Concept   Concept
	Filename  string // always absolute
	Name      string // fully qualified, as reported by the runtime
	Receiver  string // receiver name for methods, leads VarNames
	ArgCount  int    // parameters, receiver excluded
	FirstLine int
	LastLine  int
	Lines     []int    // executable statement lines, ascending
	VarNames  []string // parameters first, then body locals
	Nested    []*CodeRecord
	Bytecode  []byte
	Faults    map[string]string
}

// NewCode returns an empty CodeRecord for the named function.
func NewCode(filename, name string) *CodeRecord {
	if filename != "" && !filepath.IsAbs(filename) {
		if abs, err := filepath.Abs(filename); err == nil {
			filename = abs
		}
	}
	return &CodeRecord{Concept: ConceptCode, Filename: filename, Name: name}
}

// Package returns the import path portion of the function name.
func (c *CodeRecord) Package() string {
	return PackageOf(c.Name)
}

// ShortName returns the function name without its import path.
func (c *CodeRecord) ShortName() string {
	if c == nil {
		return "?"
	}
	name := c.Name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// HasLine reports whether line is an executable statement of the function.
func (c *CodeRecord) HasLine(line int) bool {
	i := sort.SearchInts(c.Lines, line)
	return i < len(c.Lines) && c.Lines[i] == line
}

// Fault records a degraded field.
func (c *CodeRecord) Fault(field, msg string) {
	if c.Faults == nil {
		c.Faults = make(map[string]string)
	}
	c.Faults[field] = msg
}

// FrameRecord is one activation of a function.
type FrameRecord struct {
	Concept   Concept
	Code      *CodeRecord
	Line      int
	Locals    map[string]*Value
	Globals   map[string]*Value
	Receiver  string // name of the local holding the method receiver, if any
	Goroutine int64
	Back      *FrameRecord
	Faults    map[string]string
}

// NewFrame returns an empty FrameRecord.
func NewFrame() *FrameRecord {
	return &FrameRecord{
		Concept: ConceptFrame,
		Locals:  make(map[string]*Value),
		Globals: make(map[string]*Value),
	}
}

// Fault records a degraded field.
func (f *FrameRecord) Fault(field, msg string) {
	if f.Faults == nil {
		f.Faults = make(map[string]string)
	}
	f.Faults[field] = msg
}

// LocalNames returns the local names in declaration order. Names the code
// record does not know about follow in lexical order.
func (f *FrameRecord) LocalNames() []string {
	seen := make(map[string]bool, len(f.Locals))
	var names []string
	if f.Receiver != "" {
		if _, ok := f.Locals[f.Receiver]; ok {
			names = append(names, f.Receiver)
			seen[f.Receiver] = true
		}
	}
	if f.Code != nil {
		for _, n := range f.Code.VarNames {
			if _, ok := f.Locals[n]; ok && !seen[n] {
				names = append(names, n)
				seen[n] = true
			}
		}
	}
	var rest []string
	for n := range f.Locals {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Args returns the locals that are function parameters.
func (f *FrameRecord) Args() []string {
	if f.Code == nil {
		return nil
	}
	n := f.Code.ArgCount
	if f.Code.Receiver != "" {
		n++
	}
	var names []string
	for i, name := range f.Code.VarNames {
		if i >= n {
			break
		}
		if _, ok := f.Locals[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// GlobalNames returns the global names sorted.
func (f *FrameRecord) GlobalNames() []string {
	names := make([]string, 0, len(f.Globals))
	for n := range f.Globals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StackRecord is one link of the propagation chain, oldest call first.
type StackRecord struct {
	Concept Concept
	Frame   *FrameRecord
	Line    int
	Next    *StackRecord
}

// NewStack returns an empty StackRecord.
func NewStack() *StackRecord {
	return &StackRecord{Concept: ConceptStack}
}

// Links returns the chain in call order.
func (s *StackRecord) Links() []*StackRecord {
	var out []*StackRecord
	seen := make(map[*StackRecord]bool)
	for l := s; l != nil && !seen[l]; l = l.Next {
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Frames returns the frames of the chain in call order.
func (s *StackRecord) Frames() []*FrameRecord {
	links := s.Links()
	out := make([]*FrameRecord, 0, len(links))
	for _, l := range links {
		out = append(out, l.Frame)
	}
	return out
}

// Last returns the innermost link, where the failure happened.
func (s *StackRecord) Last() *StackRecord {
	links := s.Links()
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// ConceptOf reports which runtime concept x stands in for. Debugger
// integrations dispatch on it in place of type identity checks.
func ConceptOf(x any) (Concept, bool) {
	switch r := x.(type) {
	case *CodeRecord:
		if r != nil {
			return r.Concept, true
		}
	case *FrameRecord:
		if r != nil {
			return r.Concept, true
		}
	case *StackRecord:
		if r != nil {
			return r.Concept, true
		}
	}
	return "", false
}

// Mimics reports whether x stands in for concept c.
func Mimics(x any, c Concept) bool {
	got, ok := ConceptOf(x)
	return ok && got == c
}

// PackageOf extracts the import path from a fully qualified function name.
func PackageOf(fullName string) string {
	lastSlash := strings.LastIndexByte(fullName, '/')
	if lastSlash < 0 {
		dot := strings.IndexByte(fullName, '.')
		if dot < 0 {
			return ""
		}
		return fullName[:dot]
	}
	dot := strings.IndexByte(fullName[lastSlash+1:], '.')
	if dot < 0 {
		return ""
	}
	return fullName[:lastSlash+1+dot]
}
