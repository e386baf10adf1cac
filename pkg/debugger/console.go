package debugger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/linecache"
	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/replay"
)

const (
	defaultPrompt = "(cdump) "
	defaultWidth  = 100
	listContext   = 5
)

// Console is the interactive command-line backend.
type Console struct {
	in      io.Reader
	out     io.Writer
	prompt  string
	width   int
	history string

	dump    *capsule.Capsule
	nav     *replay.Navigator
	running bool
	last    string
	listed  int // last line printed by list, 0 to center on the frame
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithInput reads commands from r instead of stdin.
func WithInput(r io.Reader) ConsoleOption {
	return func(c *Console) { c.in = r }
}

// WithOutput writes to w instead of stdout.
func WithOutput(w io.Writer) ConsoleOption {
	return func(c *Console) { c.out = w }
}

// WithWidth wraps values at n columns.
func WithWidth(n int) ConsoleOption {
	return func(c *Console) { c.width = n }
}

// WithHistory keeps the command history of terminal sessions in path.
func WithHistory(path string) ConsoleOption {
	return func(c *Console) { c.history = path }
}

// NewConsole creates a console reading stdin and writing stdout.
func NewConsole(opts ...ConsoleOption) *Console {
	c := &Console{
		in:      os.Stdin,
		out:     os.Stdout,
		prompt:  defaultPrompt,
		width:   defaultWidth,
		history: historyPath(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Backend.
func (c *Console) Name() string { return "console" }

// PostMortem implements Backend.
func (c *Console) PostMortem(ctx context.Context, dump *capsule.Capsule) error {
	c.dump = dump
	c.nav = replay.NewNavigator(dump.Stack)
	c.listed = 0
	c.last = ""

	lines, err := c.lineReader()
	if err != nil {
		return err
	}
	defer lines.Close()

	if dump.Message != "" {
		c.printf("%s\n", dump.Message)
	}
	c.printFrame()

	c.running = true
	for c.running {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := lines.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = c.last
		} else {
			c.last = line
		}
		c.handleCommand(line)
	}
	return nil
}

// handleCommand processes one line of user input
func (c *Console) handleCommand(input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "h", "help":
		c.printHelp()
	case "q", "quit", "exit":
		c.running = false
	case "bt", "where", "w":
		c.handleWhere()
	case "u", "up":
		c.handleMove(-c.count(args))
	case "d", "down":
		c.handleMove(c.count(args))
	case "f", "frame":
		c.handleFrame(args)
	case "l", "list":
		c.handleList(args)
	case "ll", "longlist":
		c.handleLongList()
	case "locals":
		f := c.nav.Current()
		if f != nil {
			c.printBindings(f.Locals, f.LocalNames())
		}
	case "args", "a":
		f := c.nav.Current()
		if f != nil {
			c.printBindings(f.Locals, f.Args())
		}
	case "globals":
		f := c.nav.Current()
		if f != nil {
			c.printGlobals(f)
		}
	case "p", "print":
		c.handlePrint(args)
	case "i", "info":
		c.handleInfo()
	case "source":
		c.handleSource(args)
	default:
		c.printf("*** Unknown command: %s\n", cmd)
	}
}

func (c *Console) printHelp() {
	c.printf("Available commands:\n")
	c.printf("  where (bt)           - Show the captured stack\n")
	c.printf("  up (u) [n]           - Move n frames toward the caller\n")
	c.printf("  down (d) [n]         - Move n frames toward the failure\n")
	c.printf("  frame (f) <loc>      - Select a frame by index, file:line or func:name\n")
	c.printf("  list (l) [first[,last]] - List source around the current line\n")
	c.printf("  longlist (ll)        - List the whole current function\n")
	c.printf("  args (a)             - Show the arguments of the current frame\n")
	c.printf("  locals               - Show the locals of the current frame\n")
	c.printf("  globals              - Show the package variables of the current frame\n")
	c.printf("  print (p) <path>     - Print a value, e.g. p req.Header[\"Host\"]\n")
	c.printf("  info (i)             - Show where the capsule came from\n")
	c.printf("  source <file>        - Print a captured file\n")
	c.printf("  help (h)             - Show this help message\n")
	c.printf("  quit (q)             - Exit the debugger\n")
}

func (c *Console) handleWhere() {
	links := c.nav.Stack().Links()
	for i, l := range links {
		marker := "  "
		if i == c.nav.CurrentIndex() {
			marker = "> "
		}
		name, file := "?", "?"
		if l.Frame != nil && l.Frame.Code != nil {
			name, file = l.Frame.Code.Name, l.Frame.Code.Filename
		}
		c.printf("%s%d %s\n\t%s:%d\n", marker, i, name, file, l.Line)
	}
}

func (c *Console) count(args []string) int {
	if len(args) == 0 {
		return 1
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (c *Console) handleMove(delta int) {
	if _, err := c.nav.Move(delta); err != nil {
		c.printf("*** %s\n", err)
		return
	}
	c.listed = 0
	c.printFrame()
}

func (c *Console) handleFrame(args []string) {
	if len(args) == 0 {
		c.printFrame()
		return
	}
	loc, err := ParseLocation(strings.Join(args, " "))
	if err != nil {
		c.printf("*** %s\n", err)
		return
	}
	if _, err := loc.Select(c.nav); err != nil {
		c.printf("*** %s\n", err)
		return
	}
	c.listed = 0
	c.printFrame()
}

// printFrame shows where the selected frame stopped.
func (c *Console) printFrame() {
	f := c.nav.Current()
	if f == nil {
		c.printf("*** %s\n", replay.ErrNoFrames)
		return
	}
	line := c.nav.Line()
	c.printf("> %s:%d %s()\n", c.filename(f), line, c.funcName(f))
	if text := c.sourceLine(f, line); text != "" {
		c.printf("-> %s\n", strings.TrimSpace(text))
	}
}

func (c *Console) handleList(args []string) {
	f := c.nav.Current()
	if f == nil {
		return
	}
	first, last := 0, 0
	switch {
	case len(args) > 0:
		a, b, hasLast := strings.Cut(args[0], ",")
		n, err := strconv.Atoi(a)
		if err != nil {
			c.printf("*** invalid line number: %s\n", a)
			return
		}
		first, last = n, n+2*listContext
		if hasLast {
			if m, err := strconv.Atoi(b); err == nil {
				last = m
			}
		}
	case c.listed > 0:
		first = c.listed + 1
		last = first + 2*listContext
	default:
		first = max(1, c.nav.Line()-listContext)
		last = first + 2*listContext
	}
	c.listed = c.printLines(f, first, last)
}

func (c *Console) handleLongList() {
	f := c.nav.Current()
	if f == nil {
		return
	}
	if f.Code == nil || f.Code.FirstLine == 0 || f.Code.LastLine < f.Code.FirstLine {
		c.handleList(nil)
		return
	}
	c.printLines(f, f.Code.FirstLine, f.Code.LastLine)
}

// printLines prints first through last of the frame's file and returns
// the last line printed.
func (c *Console) printLines(f *record.FrameRecord, first, last int) int {
	lines := linecache.Default.GetLines(c.filename(f))
	if len(lines) == 0 {
		c.printf("*** could not get source code\n")
		return 0
	}
	if first > len(lines) {
		c.printf("[EOF]\n")
		return len(lines)
	}
	last = min(last, len(lines))
	for n := first; n <= last; n++ {
		marker := "   "
		if n == c.nav.Line() {
			marker = " ->"
		}
		c.printf("%4d%s\t%s\n", n, marker, strings.TrimRight(lines[n-1], "\r\n"))
	}
	return last
}

func (c *Console) printBindings(m map[string]*record.Value, names []string) {
	for _, name := range names {
		c.printf("%s\n", c.wrap(name+" = ", m[name].String()))
	}
}

func (c *Console) printGlobals(f *record.FrameRecord) {
	hidden := 0
	for _, name := range f.GlobalNames() {
		v := f.Globals[name]
		if v != nil && v.Kind == record.KindBuiltin {
			hidden++
			continue
		}
		c.printf("%s\n", c.wrap(name+" = ", v.String()))
	}
	if hidden > 0 {
		c.printf("(%d predeclared identifiers not shown)\n", hidden)
	}
}

func (c *Console) handlePrint(args []string) {
	if len(args) == 0 {
		c.printf("*** Usage: print <path>\n")
		return
	}
	v, err := c.nav.Lookup(strings.Join(args, " "))
	if err != nil {
		c.printf("*** %s\n", err)
		return
	}
	c.printf("%s\n", c.wrap("", v.Detail()))
}

func (c *Console) handleInfo() {
	p := c.dump.Producer
	c.printf("capsule   %s (%s)\n", c.dump.ID, c.dump.Version)
	c.printf("created   %s\n", c.dump.Created.Format(time.RFC3339))
	c.printf("producer  %s %s %s/%s pid %d", p.Module, p.GoVersion, p.GOOS, p.GOARCH, p.PID)
	if p.Host != "" {
		c.printf(" on %s", p.Host)
	}
	c.printf("\n")
	if c.dump.Message != "" {
		c.printf("%s\n", c.wrap("message   ", c.dump.Message))
	}
	c.printf("frames    %d\n", c.nav.Len())
	c.printf("files     %d\n", len(c.dump.Files))
}

func (c *Console) handleSource(args []string) {
	if len(args) != 1 {
		c.printf("*** Usage: source <file>\n")
		return
	}
	path := c.resolveFile(args[0])
	lines := linecache.Default.GetLines(path)
	if len(lines) == 0 {
		c.printf("*** could not get source of %s\n", args[0])
		return
	}
	for i, l := range lines {
		c.printf("%4d\t%s\n", i+1, strings.TrimRight(l, "\r\n"))
	}
}

// resolveFile maps a name given by the user onto a captured file.
func (c *Console) resolveFile(name string) string {
	if _, ok := c.dump.Files[name]; ok {
		return name
	}
	for path := range c.dump.Files {
		if sameFile(path, name) {
			return path
		}
	}
	if abs, err := filepath.Abs(name); err == nil {
		return abs
	}
	return name
}

func (c *Console) filename(f *record.FrameRecord) string {
	if f.Code == nil {
		return "?"
	}
	return f.Code.Filename
}

func (c *Console) funcName(f *record.FrameRecord) string {
	if f.Code == nil {
		return "?"
	}
	return f.Code.Name
}

func (c *Console) sourceLine(f *record.FrameRecord, line int) string {
	if f.Code == nil {
		return ""
	}
	return linecache.Default.GetLine(f.Code.Filename, line)
}

// wrap renders prefix+text, folding long text under the prefix.
func (c *Console) wrap(prefix, text string) string {
	limit := c.width - len(prefix)
	if c.width <= 0 || limit < 20 {
		return prefix + text
	}
	first, rest, ok := strings.Cut(wordwrap.String(text, limit), "\n")
	if !ok {
		return prefix + first
	}
	return prefix + first + "\n" + indent.String(rest, uint(len(prefix)))
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

// lineReader uses readline on a terminal and plain buffered reads
// otherwise, so that scripted sessions see no escape sequences.
func (c *Console) lineReader() (lineReader, error) {
	if f, ok := c.in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:            c.prompt,
			Stdin:             f,
			Stdout:            c.out,
			Stderr:            c.out,
			HistoryFile:       c.history,
			HistorySearchFold: true,
			AutoComplete:      &commandCompleter{console: c},
		})
		if err != nil {
			return nil, fmt.Errorf("starting line editor: %w", err)
		}
		return &terminalReader{rl: rl}, nil
	}
	return &scannerReader{s: bufio.NewScanner(c.in)}, nil
}

type terminalReader struct {
	rl *readline.Instance
}

func (r *terminalReader) ReadLine() (string, error) {
	for {
		line, err := r.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		return line, err
	}
}

func (r *terminalReader) Close() error { return r.rl.Close() }

type scannerReader struct {
	s *bufio.Scanner
}

func (r *scannerReader) ReadLine() (string, error) {
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.s.Text(), nil
}

func (r *scannerReader) Close() error { return nil }

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chronodump_history")
}
