package capsule

import (
	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/builtins"
	"github.com/willibrandon/chronodump/pkg/linecache"
	"github.com/willibrandon/chronodump/pkg/record"
)

// Rehydrate makes a loaded capsule debuggable in this process. It gives
// every frame the predeclared identifiers as globals, serves the captured
// files from linecache.Default and keeps the line cache from discarding
// them until Release. Only the first call has any effect.
func (c *Capsule) Rehydrate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rehydrated {
		return
	}
	c.rehydrated = true

	for _, f := range c.allFrames() {
		for name, v := range builtins.Namespace() {
			if _, ok := f.Globals[name]; !ok {
				f.Globals[name] = v
			}
		}
	}
	for path, text := range c.Files {
		linecache.Default.Register(path, text)
	}
	c.restore = linecache.Default.DisableCheck()
	log.Debugf("capsule: rehydrated %s (%d files)", c.ID, len(c.Files))
}

// Rehydrated reports whether Rehydrate has run.
func (c *Capsule) Rehydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rehydrated
}

// Release lets the line cache check its entries against the disk again.
func (c *Capsule) Release() {
	c.mu.Lock()
	restore := c.restore
	c.restore = nil
	c.mu.Unlock()
	if restore != nil {
		restore()
	}
}

// allFrames lists every frame reachable from the chain, callers included.
func (c *Capsule) allFrames() []*record.FrameRecord {
	var out []*record.FrameRecord
	seen := make(map[*record.FrameRecord]bool)
	for _, l := range c.Stack.Links() {
		for f := l.Frame; f != nil && !seen[f]; f = f.Back {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
