package debugger

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/replay"
)

// LocationType defines how a Location selects a frame
type LocationType int

const (
	// IndexLocation selects a frame by its position in the chain
	IndexLocation LocationType = iota
	// LineLocation selects the frame executing a file:line
	LineLocation
	// FunctionLocation selects the frame running a function
	FunctionLocation
)

func (t LocationType) String() string {
	switch t {
	case IndexLocation:
		return "index"
	case LineLocation:
		return "line"
	case FunctionLocation:
		return "function"
	}
	return "unknown"
}

// Location names a frame of a captured chain
type Location struct {
	Type     LocationType
	Index    int    // For IndexLocation
	File     string // For LineLocation
	Line     int    // For LineLocation
	Function string // For FunctionLocation
}

// ParseLocation parses "2", "main.go:42" or "func:main.run". A bare name
// that is neither is taken as a function.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	if strings.HasPrefix(s, "func:") {
		name := strings.TrimPrefix(s, "func:")
		if name == "" {
			return Location{}, fmt.Errorf("invalid location format: %s", s)
		}
		return Location{Type: FunctionLocation, Function: name}, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return Location{Type: IndexLocation, Index: n}, nil
	}

	// Find the last colon to handle Windows paths (e.g., C:/path/to/file.go:42)
	if i := strings.LastIndex(s, ":"); i > 0 {
		line, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return Location{}, fmt.Errorf("invalid line number: %v", err)
		}
		return Location{Type: LineLocation, File: s[:i], Line: line}, nil
	}

	return Location{Type: FunctionLocation, Function: s}, nil
}

func (l Location) String() string {
	switch l.Type {
	case IndexLocation:
		return strconv.Itoa(l.Index)
	case LineLocation:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return "func:" + l.Function
}

// Matches reports whether frame f, executing line, is at l. Files match on
// their trailing path elements; functions match on the full name or the
// name without its import path.
func (l Location) Matches(f *record.FrameRecord, line int) bool {
	if f == nil || f.Code == nil {
		return false
	}
	switch l.Type {
	case LineLocation:
		return line == l.Line && sameFile(f.Code.Filename, l.File)
	case FunctionLocation:
		return f.Code.Name == l.Function || f.Code.ShortName() == l.Function ||
			strings.HasSuffix(f.Code.Name, "."+l.Function)
	}
	return false
}

// Select moves nav to the frame at l, preferring the innermost match.
func (l Location) Select(nav *replay.Navigator) (int, error) {
	if l.Type == IndexLocation {
		if err := nav.JumpTo(l.Index); err != nil {
			return -1, err
		}
		return l.Index, nil
	}
	lines := nav.Stack().Links()
	for i := len(lines) - 1; i >= 0; i-- {
		if l.Matches(lines[i].Frame, lines[i].Line) {
			if err := nav.JumpTo(i); err != nil {
				return -1, err
			}
			return i, nil
		}
	}
	return -1, fmt.Errorf("no frame at %s", l)
}

func sameFile(path, want string) bool {
	path, want = filepath.ToSlash(path), filepath.ToSlash(want)
	return path == want || strings.HasSuffix(path, "/"+strings.TrimPrefix(want, "/"))
}
