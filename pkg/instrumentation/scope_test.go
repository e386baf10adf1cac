package instrumentation

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDefaults(t *testing.T) {
	t.Helper()
	original := CurrentOptions()
	SetOptions(DefaultOptions())
	t.Cleanup(func() { SetOptions(original) })
}

func findScope(scopes []*Scope, suffix string) *Scope {
	for _, s := range scopes {
		if strings.HasSuffix(s.Func, suffix) {
			return s
		}
	}
	return nil
}

//go:noinline
func registers(t *testing.T, x int) {
	defer Enter("x", &x).Exit()

	s := findScope(Scopes(GoroutineID()), ".registers")
	require.NotNil(t, s)
	assert.Equal(t, []string{"x"}, s.Names())

	// Pointers are read live
	x = 5
	v, ok := s.Value("x")
	require.True(t, ok)
	assert.Equal(t, int64(5), v.Int())

	// The scope is found from the function's own frames
	frames := Callers(0)
	assert.Same(t, s, Lookup(GoroutineID(), frames[0].Function, Depth(frames, 0)))
}

func TestEnterExit(t *testing.T) {
	withDefaults(t)
	gid := GoroutineID()

	registers(t, 1)

	assert.Nil(t, findScope(Scopes(gid), ".registers"))
}

//go:noinline
func outer() {
	n := 1
	defer Enter("n", &n).Exit()
	inner(n + 1)
}

//go:noinline
func inner(n int) {
	defer Enter("n", &n).Exit()
	panic("boom")
}

func TestPanicRetainsScopes(t *testing.T) {
	withDefaults(t)
	gid := GoroutineID()

	var seen []*Scope
	func() {
		defer func() {
			_ = recover()
			seen = Scopes(gid)
		}()
		outer()
	}()

	// Both activations are still registered after unwinding
	o := findScope(seen, ".outer")
	i := findScope(seen, ".inner")
	require.NotNil(t, o)
	require.NotNil(t, i)
	assert.Equal(t, o.Depth+1, i.Depth)

	v, ok := i.Value("n")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.Int())

	// Unwinding drops them
	Unwind(gid, o.Depth)
	assert.Nil(t, findScope(Scopes(gid), ".outer"))
	assert.Nil(t, findScope(Scopes(gid), ".inner"))
}

func TestEnterReplacesStaleScopes(t *testing.T) {
	withDefaults(t)
	gid := GoroutineID()

	func() {
		defer func() { _ = recover() }()
		outer()
	}()
	require.NotNil(t, findScope(Scopes(gid), ".inner"))

	// A new activation at the same depth evicts the leftovers
	func() {
		defer Enter().Exit()
		assert.Nil(t, findScope(Scopes(gid), ".inner"))
	}()
}

func TestPruneDropsExitedGoroutines(t *testing.T) {
	withDefaults(t)

	ids := make(chan int64)
	go func() {
		defer func() {
			_ = recover()
			ids <- GoroutineID()
		}()
		outer()
	}()
	gid := <-ids

	// Nobody captured or unwound, so the scopes are still registered
	require.NotNil(t, findScope(Scopes(gid), ".inner"))

	require.Eventually(t, func() bool {
		Prune()
		return !slices.Contains(Goroutines(), gid)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, Scopes(gid))
}

func TestPruneKeepsLiveGoroutines(t *testing.T) {
	withDefaults(t)
	gid := GoroutineID()

	func() {
		defer func() { _ = recover() }()
		outer()
	}()
	t.Cleanup(func() { Unwind(gid, 0) })

	Prune()
	assert.NotNil(t, findScope(Scopes(gid), ".inner"))
}

func TestLiveGoroutines(t *testing.T) {
	assert.True(t, liveGoroutines()[GoroutineID()])
}

func TestDisabledScopesAreNil(t *testing.T) {
	original := CurrentOptions()
	defer SetOptions(original)
	SetOptions(Options{Enabled: false})

	s := Enter("x", 1)
	assert.Nil(t, s)
	assert.NotPanics(t, func() {
		s.Var("y", 2).Receiver("r", 3).Exit()
	})
	assert.Empty(t, s.Names())
	assert.Equal(t, "", s.ReceiverName())
	_, ok := s.Value("x")
	assert.False(t, ok)
}

type momo struct{ name string }

func TestScopeValues(t *testing.T) {
	withDefaults(t)

	m := &momo{name: "momo"}
	err := error(nil)
	s := Enter("count", 3, "err", &err).Receiver("m", &m).Var("_", 4)
	defer s.Exit()

	assert.Equal(t, []string{"count", "err", "m"}, s.Names())
	assert.Equal(t, "m", s.ReceiverName())

	// Non-pointers are snapshots
	v, _ := s.Value("count")
	assert.Equal(t, int64(3), v.Int())
	assert.False(t, v.CanAddr())

	locals := s.Locals()
	assert.Len(t, locals, 3)
	assert.True(t, locals["err"].IsNil())
	assert.Same(t, m, locals["m"].Interface())
}

func TestGlobals(t *testing.T) {
	const pkg = "example.com/globals"
	defer ForgetGlobals(pkg)

	limit := 10
	Global(pkg, "limit", &limit)
	Global(pkg, "name", "fixed")
	Global(pkg, "_", &limit)

	assert.Equal(t, []string{"limit", "name"}, GlobalNames(pkg))

	limit = 20
	g := Globals(pkg)
	assert.Equal(t, int64(20), g["limit"].Int())
	assert.Equal(t, "fixed", g["name"].String())
	assert.Empty(t, Globals("example.com/other"))
}

func TestWrapperNames(t *testing.T) {
	for name, want := range map[string]bool{
		"main.outer.func1":      true,
		"main.outer.deferwrap1": true,
		"main.outer.func1.2":    true,
		"main.outer":            false,
		"main.(*T).function":    false,
		"runtime.gopanic":       false,
	} {
		assert.Equal(t, want, wrapper(name), name)
	}
}
