// Package debugger hands a loaded capsule to a post-mortem debugger. A
// backend receives a rehydrated capsule and lets the user inspect the
// frames of the failure as if the program had just stopped there.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/capsule"
)

// ErrBackendUnavailable is returned when no backend is registered under
// the requested name.
var ErrBackendUnavailable = errors.New("debugger backend unavailable")

// Backend is a post-mortem debugger.
type Backend interface {
	Name() string
	// PostMortem runs a session over c until the user ends it or ctx
	// is done.
	PostMortem(ctx context.Context, c *capsule.Capsule) error
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

func init() {
	Register(NewConsole())
	Register(NewPrinter())
}

// Register makes b available under its name, replacing any backend
// registered under the same name.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Name()] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, name)
	}
	return b, nil
}

// Names lists the registered backends.
func Names() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Debug rehydrates c and runs the named backend over it.
func Debug(ctx context.Context, name string, c *capsule.Capsule) error {
	b, err := Lookup(name)
	if err != nil {
		return err
	}
	c.Rehydrate()
	defer c.Release()
	log.Debugf("debugger: %s session for %s", name, c.ID)
	return b.PostMortem(ctx, c)
}
