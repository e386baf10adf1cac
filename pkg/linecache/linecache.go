// Package linecache serves source lines to debugger backends. Files are
// read from disk on demand or registered from a capsule, in which case
// they are served as captured even when the file on disk has changed.
package linecache

import (
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type entry struct {
	lines    []string
	text     string
	size     int64
	modTime  time.Time
	injected bool
}

// Cache maps absolute file paths to their lines.
type Cache struct {
	mu       sync.Mutex
	files    map[string]*entry
	disabled int
}

// Default is the cache used by the debugger backends.
var Default = New()

// New returns an empty cache.
func New() *Cache {
	return &Cache{files: make(map[string]*entry)}
}

// Register injects text as the content of path.
func (c *Cache) Register(path, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = &entry{lines: splitLines(text), text: text, injected: true}
}

// Source returns the whole text of path.
func (c *Cache) Source(path string) (string, bool) {
	e := c.get(path)
	if e == nil {
		return "", false
	}
	return e.text, true
}

// GetLines returns the lines of path, each with its trailing newline.
func (c *Cache) GetLines(path string) []string {
	e := c.get(path)
	if e == nil {
		return nil
	}
	return append([]string(nil), e.lines...)
}

// GetLine returns line n of path, counting from 1, or "" when there is
// no such line.
func (c *Cache) GetLine(path string, n int) string {
	e := c.get(path)
	if e == nil || n < 1 || n > len(e.lines) {
		return ""
	}
	return e.lines[n-1]
}

func (c *Cache) get(path string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.files[path]; ok {
		return e
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil
	}
	e := &entry{lines: splitLines(string(data)), text: string(data), size: st.Size(), modTime: st.ModTime()}
	c.files[path] = e
	return e
}

// CheckCache drops entries whose files changed on disk since they were
// read. Registered entries are dropped too, because nothing on disk
// backs them, unless checking has been disabled.
func (c *Cache) CheckCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled > 0 {
		return
	}
	for path, e := range c.files {
		st, err := os.Stat(path)
		if e.injected || err != nil || st.Size() != e.size || !st.ModTime().Equal(e.modTime) {
			log.Debugf("linecache: dropping stale %s", path)
			delete(c.files, path)
		}
	}
}

// DisableCheck turns CheckCache into a no-op until the returned function
// is called. Calls nest.
func (c *Cache) DisableCheck() (restore func()) {
	c.mu.Lock()
	c.disabled++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.disabled--
			c.mu.Unlock()
		})
	}
}

// Checking reports whether CheckCache is active.
func (c *Cache) Checking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled == 0
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*entry)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
