package debugger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/linecache"
	"github.com/willibrandon/chronodump/pkg/record"
)

// Printer is a non-interactive backend: it renders the chain and the
// locals of every frame, then returns.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a Printer writing to stdout.
func NewPrinter() *Printer {
	return &Printer{out: os.Stdout, width: defaultWidth}
}

// NewPrinterTo creates a Printer writing to w.
func NewPrinterTo(w io.Writer, width int) *Printer {
	return &Printer{out: w, width: width}
}

// Name implements Backend.
func (p *Printer) Name() string { return "print" }

// PostMortem implements Backend.
func (p *Printer) PostMortem(_ context.Context, c *capsule.Capsule) error {
	_, err := io.WriteString(p.out, Render(c, p.width))
	return err
}

// Render returns the chain of c with source lines, followed by the locals
// of each frame from the outermost in. Values are wrapped at width
// columns; width 0 disables wrapping.
func Render(c *capsule.Capsule, width int) string {
	var b strings.Builder
	if c.Message != "" {
		fmt.Fprintf(&b, "%s\n\n", c.Message)
	}
	b.WriteString(record.FormatEntries(c.Stack.Entries(renderSource(c))))
	for i, f := range c.Frames() {
		if f == nil {
			continue
		}
		names := f.LocalNames()
		if len(names) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nframe %d %s locals:\n", i, f.Code.ShortName())
		for _, name := range names {
			text := f.Locals[name].String()
			if width > 8 {
				text = indent.String(wordwrap.String(text, width-8), 8)
				text = strings.TrimLeft(text, " ")
			}
			fmt.Fprintf(&b, "    %s = %s\n", name, text)
		}
	}
	return b.String()
}

// renderSource prefers the captured text and falls back to the line cache.
func renderSource(c *capsule.Capsule) record.SourceFunc {
	return func(file string, line int) string {
		if text := c.Source(file, line); text != "" {
			return text
		}
		return linecache.Default.GetLine(file, line)
	}
}
