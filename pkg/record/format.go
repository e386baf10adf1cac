package record

import (
	"fmt"
	"strings"
)

// Entry is one normalized line of a rendered stack: where a frame was and
// what it was running.
type Entry struct {
	File string
	Line int
	Func string
	Text string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s:%d in %s", e.File, e.Line, e.Func)
}

// SourceFunc returns the text of one source line, or "" when unknown.
type SourceFunc func(file string, line int) string

// Entries returns one Entry per link of the chain, in call order. When
// src is non-nil it fills in the source text of each line.
func (s *StackRecord) Entries(src SourceFunc) []Entry {
	links := s.Links()
	out := make([]Entry, 0, len(links))
	for _, l := range links {
		e := Entry{Line: l.Line, Func: "?"}
		if l.Frame != nil && l.Frame.Code != nil {
			e.File = l.Frame.Code.Filename
			e.Func = l.Frame.Code.Name
		}
		if src != nil && e.File != "" {
			e.Text = strings.TrimSpace(src(e.File, e.Line))
		}
		out = append(out, e)
	}
	return out
}

// Format renders the chain without source text.
func (s *StackRecord) Format() string {
	return FormatEntries(s.Entries(nil))
}

// FormatEntries renders entries in Go's traceback layout, outermost call
// first so the failing frame is printed last.
func FormatEntries(entries []Entry) string {
	var b strings.Builder
	b.WriteString("stack (most recent call last):\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s(...)\n\t%s:%d\n", e.Func, e.File, e.Line)
		if e.Text != "" {
			fmt.Fprintf(&b, "\t\t%s\n", e.Text)
		}
	}
	return b.String()
}
