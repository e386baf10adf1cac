package instrumentation

import (
	"reflect"
	"sort"
	"sync"
)

var (
	globalsMu sync.RWMutex
	globals   = make(map[string]map[string]any)
)

// Global registers a package-level variable of pkg. Pass a pointer so that
// captures see the current value. Blank names are ignored.
func Global(pkg, name string, ptr any) {
	if name == "" || name == "_" {
		return
	}
	globalsMu.Lock()
	defer globalsMu.Unlock()
	vars, ok := globals[pkg]
	if !ok {
		vars = make(map[string]any)
		globals[pkg] = vars
	}
	vars[name] = ptr
}

// Globals returns the current values of the variables registered for pkg.
func Globals(pkg string) map[string]reflect.Value {
	globalsMu.RLock()
	defer globalsMu.RUnlock()
	out := make(map[string]reflect.Value, len(globals[pkg]))
	for name, v := range globals[pkg] {
		out[name] = deref(v)
	}
	return out
}

// GlobalNames returns the registered variable names of pkg, sorted.
func GlobalNames(pkg string) []string {
	globalsMu.RLock()
	defer globalsMu.RUnlock()
	names := make([]string, 0, len(globals[pkg]))
	for name := range globals[pkg] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForgetGlobals removes every variable registered for pkg.
func ForgetGlobals(pkg string) {
	globalsMu.Lock()
	delete(globals, pkg)
	globalsMu.Unlock()
}
