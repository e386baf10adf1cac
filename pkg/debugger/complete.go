package debugger

import (
	"sort"
	"strings"
)

var commandNames = []string{
	"args", "bt", "down", "frame", "globals", "help", "info", "list",
	"locals", "longlist", "print", "quit", "source", "up", "where",
}

// commandCompleter implements readline.AutoCompleter. The first word
// completes to a command; the argument of print completes to the names
// visible in the selected frame.
type commandCompleter struct {
	console *Console
}

func (c *commandCompleter) Do(line []rune, pos int) ([][]rune, int) {
	start := pos
	for start > 0 && line[start-1] != ' ' && line[start-1] != '\t' {
		start--
	}
	prefix := string(line[start:pos])
	head := strings.TrimSpace(string(line[:start]))

	var candidates []string
	switch head {
	case "":
		candidates = commandNames
	case "p", "print":
		candidates = c.names()
	default:
		return nil, 0
	}

	var result [][]rune
	for _, name := range candidates {
		if strings.HasPrefix(name, prefix) {
			result = append(result, []rune(name[len(prefix):]))
		}
	}
	return result, len(prefix)
}

func (c *commandCompleter) names() []string {
	if c.console.nav == nil {
		return nil
	}
	f := c.console.nav.Current()
	if f == nil {
		return nil
	}
	names := f.LocalNames()
	for _, n := range f.GlobalNames() {
		if _, shadowed := f.Locals[n]; !shadowed {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
