package instrumentation

import (
	"bytes"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/record"
)

// Scope registers the locals of one function activation. Functions opt in
// with
//
//	defer instrumentation.Enter("x", &x, "err", &err).Exit()
//
// Locals registered by pointer are read at capture time, so a capture sees
// their latest values. Other values are kept as registered.
//
// All methods accept a nil Scope, which is what Enter returns when
// instrumentation is off for the caller.
type Scope struct {
	// Func is the fully qualified name of the registering function
	Func string
	// File and Line locate the Enter call
	File string
	Line int
	// Depth is the function's position counted from the goroutine's
	// outermost frame
	Depth int
	// Goroutine that registered the scope
	Goroutine int64

	mu       sync.Mutex
	names    []string
	vals     map[string]any
	receiver string
}

// Enter registers a scope for its caller. pairs alternate names and
// values; pass pointers for values that change after Enter.
//
//go:noinline
func Enter(pairs ...any) *Scope {
	if !CurrentOptions().Enabled {
		return nil
	}
	frames := Callers(1)
	if len(frames) == 0 {
		return nil
	}
	fn := frames[0]
	if !ShouldInstrument(record.PackageOf(fn.Function)) {
		return nil
	}

	s := &Scope{
		Func:      fn.Function,
		File:      fn.File,
		Line:      fn.Line,
		Depth:     Depth(frames, 0),
		Goroutine: GoroutineID(),
		vals:      make(map[string]any),
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			log.Warnf("instrumentation: %s: name at position %d is %T, not string", s.Func, i, pairs[i])
			continue
		}
		s.set(name, pairs[i+1])
	}
	if len(pairs)%2 != 0 {
		log.Warnf("instrumentation: %s: odd number of arguments to Enter", s.Func)
	}

	defaultRegistry.push(s)
	return s
}

// Var registers another local.
func (s *Scope) Var(name string, ptr any) *Scope {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.set(name, ptr)
	s.mu.Unlock()
	return s
}

// Receiver registers the method receiver under name.
func (s *Scope) Receiver(name string, ptr any) *Scope {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.set(name, ptr)
	s.receiver = name
	s.mu.Unlock()
	return s
}

func (s *Scope) set(name string, v any) {
	if name == "" || name == "_" {
		return
	}
	if _, ok := s.vals[name]; !ok {
		s.names = append(s.names, name)
	}
	s.vals[name] = v
}

// Exit unregisters the scope when its function returns normally. While a
// panic is unwinding the scope stays registered so that a capture further
// up the stack can still read it; Unwind drops it afterwards. If the panic
// is recovered elsewhere and the goroutine exits, Prune reclaims the scope.
func (s *Scope) Exit() {
	if s == nil {
		return
	}
	if panicking() {
		defaultRegistry.retain(s.Goroutine)
		return
	}
	defaultRegistry.pop(s)
}

// Names returns the registered local names in registration order.
func (s *Scope) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// ReceiverName returns the name the receiver was registered under.
func (s *Scope) ReceiverName() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver
}

// Value returns the current value of a local. Pointers are dereferenced,
// so the result is addressable and reflects later assignments.
func (s *Scope) Value(name string) (reflect.Value, bool) {
	if s == nil {
		return reflect.Value{}, false
	}
	s.mu.Lock()
	v, ok := s.vals[name]
	s.mu.Unlock()
	if !ok {
		return reflect.Value{}, false
	}
	return deref(v), true
}

// Locals returns the current values of every registered local.
func (s *Scope) Locals() map[string]reflect.Value {
	out := make(map[string]reflect.Value)
	for _, name := range s.Names() {
		if v, ok := s.Value(name); ok {
			out[name] = v
		}
	}
	return out
}

func (s *Scope) String() string {
	if s == nil {
		return "<nil scope>"
	}
	return fmt.Sprintf("%s@%d %v", s.Func, s.Depth, s.Names())
}

func deref(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem()
	}
	return rv
}

// registry holds one shadow stack per goroutine, outermost scope first.
type registry struct {
	mu     sync.Mutex
	stacks map[int64][]*Scope

	// retained lists goroutines whose scopes outlived a panic. Once it
	// reaches pruneAt, the next push from another goroutine prunes.
	retained map[int64]bool
	pruneAt  int
}

const minPruneAt = 16

var defaultRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{
		stacks:   make(map[int64][]*Scope),
		retained: make(map[int64]bool),
		pruneAt:  minPruneAt,
	}
}

func (r *registry) retain(gid int64) {
	r.mu.Lock()
	r.retained[gid] = true
	r.mu.Unlock()
}

// prune drops the stacks of retained goroutines that no longer exist.
// r.mu must be held.
func (r *registry) prune() {
	live := liveGoroutines()
	for gid := range r.retained {
		if !live[gid] {
			delete(r.stacks, gid)
			delete(r.retained, gid)
		}
	}
	r.pruneAt = max(minPruneAt, 2*len(r.retained))
}

// liveGoroutines parses the IDs out of a full goroutine dump.
func liveGoroutines() map[int64]bool {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	live := make(map[int64]bool)
	prefix := []byte("goroutine ")
	for _, line := range bytes.Split(buf, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		if i := bytes.IndexByte(rest, ' '); i > 0 {
			if id, err := strconv.ParseInt(string(rest[:i]), 10, 64); err == nil {
				live[id] = true
			}
		}
	}
	return live
}

// push appends s, first dropping scopes at or above its depth. Those
// belong to activations that have already returned or unwound.
func (r *registry) push(s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.retained) >= r.pruneAt && !r.retained[s.Goroutine] {
		r.prune()
	}
	stack := r.stacks[s.Goroutine]
	i := len(stack)
	for i > 0 && stack[i-1].Depth >= s.Depth {
		i--
	}
	r.stacks[s.Goroutine] = append(stack[:i], s)
}

// pop removes s and every scope registered above it.
func (r *registry) pop(s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[s.Goroutine]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == s {
			r.truncate(s.Goroutine, stack[:i])
			return
		}
	}
}

func (r *registry) truncate(gid int64, stack []*Scope) {
	if len(stack) == 0 {
		delete(r.stacks, gid)
		delete(r.retained, gid)
		return
	}
	r.stacks[gid] = stack
}

// Lookup returns the scope registered by fn at depth on goroutine gid.
func Lookup(gid int64, fn string, depth int) *Scope {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[gid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].Depth == depth && stack[i].Func == fn {
			return stack[i]
		}
	}
	return nil
}

// Scopes returns the scopes registered on goroutine gid, outermost first.
func Scopes(gid int64) []*Scope {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Scope(nil), r.stacks[gid]...)
}

// Unwind drops the scopes of goroutine gid at or above depth. Captures
// call it once a panic has been recovered.
func Unwind(gid int64, depth int) {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[gid]
	i := len(stack)
	for i > 0 && stack[i-1].Depth >= depth {
		i--
	}
	r.truncate(gid, stack[:i])
}

// Prune drops the scopes that panicking goroutines left behind and then
// exited without unwinding. Enter prunes on its own once enough of them
// accumulate.
func Prune() {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
}

// Goroutines returns the IDs of goroutines with registered scopes.
func Goroutines() []int64 {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.stacks))
	for id := range r.stacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
