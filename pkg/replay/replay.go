// Package replay navigates a captured stack after the fact: moving
// between frames and evaluating variable paths the way a debugger does.
package replay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/willibrandon/chronodump/pkg/record"
)

var (
	// ErrOldestFrame is returned by Up at the outermost frame.
	ErrOldestFrame = errors.New("oldest frame")
	// ErrNewestFrame is returned by Down at the innermost frame.
	ErrNewestFrame = errors.New("newest frame")
	// ErrNoFrames is returned for an empty stack.
	ErrNoFrames = errors.New("no frames")
	// ErrUnknownName is returned when a path does not resolve.
	ErrUnknownName = errors.New("name not found")
)

// Navigator walks the frames of a captured chain. Frames are indexed in
// call order, 0 being the outermost; navigation starts at the innermost
// frame, where the failure happened.
type Navigator struct {
	stack      *record.StackRecord
	frames     []*record.FrameRecord
	lines      []int
	currentIdx int
}

// NewNavigator creates a Navigator positioned on the innermost frame.
func NewNavigator(stack *record.StackRecord) *Navigator {
	n := &Navigator{stack: stack}
	for _, l := range stack.Links() {
		n.frames = append(n.frames, l.Frame)
		n.lines = append(n.lines, l.Line)
	}
	n.Reset()
	return n
}

// Frames returns all frames, outermost first.
func (n *Navigator) Frames() []*record.FrameRecord {
	return n.frames
}

// Len returns the number of frames.
func (n *Navigator) Len() int { return len(n.frames) }

// Stack returns the chain being navigated.
func (n *Navigator) Stack() *record.StackRecord { return n.stack }

// CurrentIndex returns the index of the selected frame, or -1 when there
// are no frames.
func (n *Navigator) CurrentIndex() int {
	return n.currentIdx
}

// Current returns the selected frame, or nil.
func (n *Navigator) Current() *record.FrameRecord {
	if n.currentIdx < 0 {
		return nil
	}
	return n.frames[n.currentIdx]
}

// Line returns the line the selected frame was executing.
func (n *Navigator) Line() int {
	if n.currentIdx < 0 {
		return 0
	}
	return n.lines[n.currentIdx]
}

// Reset selects the innermost frame again.
func (n *Navigator) Reset() {
	n.currentIdx = len(n.frames) - 1
}

// Up selects the caller of the current frame.
func (n *Navigator) Up() (int, error) {
	return n.Move(-1)
}

// Down selects the frame called by the current one.
func (n *Navigator) Down() (int, error) {
	return n.Move(1)
}

// Move shifts the selection by delta frames, toward the innermost frame
// for positive deltas. A move past either end stops at it; it fails only
// when the selection is already there.
func (n *Navigator) Move(delta int) (int, error) {
	if len(n.frames) == 0 {
		return -1, ErrNoFrames
	}
	target := n.currentIdx + delta
	switch {
	case target < 0:
		if n.currentIdx == 0 {
			return 0, ErrOldestFrame
		}
		target = 0
	case target >= len(n.frames):
		if n.currentIdx == len(n.frames)-1 {
			return n.currentIdx, ErrNewestFrame
		}
		target = len(n.frames) - 1
	}
	n.currentIdx = target
	return target, nil
}

// JumpTo selects frame idx.
func (n *Navigator) JumpTo(idx int) error {
	if idx < 0 || idx >= len(n.frames) {
		return fmt.Errorf("frame %d out of range [0, %d)", idx, len(n.frames))
	}
	n.currentIdx = idx
	return nil
}

// Find selects the innermost frame matching pred.
func (n *Navigator) Find(pred func(*record.FrameRecord) bool) (int, bool) {
	for i := len(n.frames) - 1; i >= 0; i-- {
		if pred(n.frames[i]) {
			n.currentIdx = i
			return i, true
		}
	}
	return -1, false
}

// Lookup evaluates a path such as "req.Header.host" or "items[2]"
// against the selected frame. The first element names a local, falling
// back to a global; the rest select fields, map keys or indexes.
func (n *Navigator) Lookup(path string) (*record.Value, error) {
	f := n.Current()
	if f == nil {
		return nil, ErrNoFrames
	}
	elems := SplitPath(path)
	if len(elems) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	v, ok := f.Locals[elems[0]]
	if !ok {
		v, ok = f.Globals[elems[0]]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownName, elems[0])
	}
	for i, elem := range elems[1:] {
		next, ok := v.Get(elem)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownName, strings.Join(elems[:i+2], "."))
		}
		v = next
	}
	return v, nil
}

// SplitPath breaks a path into its elements. Brackets and dots both
// separate elements; quotes around bracketed keys are dropped.
func SplitPath(path string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	inBracket := false
	for _, r := range strings.TrimSpace(path) {
		switch {
		case r == '[' && !inBracket:
			flush()
			inBracket = true
		case r == ']' && inBracket:
			flush()
			inBracket = false
		case r == '.' && !inBracket:
			flush()
		case (r == '"' || r == '\'') && inBracket:
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}
