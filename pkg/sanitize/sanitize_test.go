package sanitize

import (
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronodump/pkg/record"
)

type node struct {
	Name string
	Next *node
}

type chain struct {
	N     int
	Child *chain
}

func newChain(n int) *chain {
	var head *chain
	for i := n; i > 0; i-- {
		head = &chain{N: i, Child: head}
	}
	return head
}

func unbounded() Options {
	opts := DefaultOptions()
	opts.Depth = Unbounded
	return opts
}

func TestCycleResolvesToSameSubstitute(t *testing.T) {
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	for _, opts := range []Options{DefaultOptions(), unbounded()} {
		root := New(opts).Sanitize(a)
		require.Equal(t, record.KindObject, root.Kind)

		next, ok := root.Field("Next")
		require.True(t, ok)
		require.Equal(t, record.KindObject, next.Kind)
		back, ok := next.Field("Next")
		require.True(t, ok)
		assert.Same(t, root, back)
	}
}

func TestSelfContainingMap(t *testing.T) {
	m := map[string]any{"n": 1}
	m["self"] = m

	root := New(unbounded()).Sanitize(m)
	require.Equal(t, record.KindMap, root.Kind)
	self, ok := root.Get("self")
	require.True(t, ok)
	assert.Same(t, root, self)
}

func TestDepthBound(t *testing.T) {
	head := newChain(6)

	// Default depth keeps three levels of structure
	root := New(DefaultOptions()).Sanitize(head)
	l2, _ := root.Field("Child")
	l3, _ := l2.Field("Child")
	require.Equal(t, record.KindObject, l3.Kind)
	l4, _ := l3.Field("Child")
	assert.Equal(t, record.KindText, l4.Kind)

	// Unbounded walks to the end of the chain
	v := New(unbounded()).Sanitize(head)
	for i := 1; i <= 6; i++ {
		require.Equal(t, record.KindObject, v.Kind, "level %d", i)
		n, _ := v.Field("N")
		assert.Equal(t, int64(i), n.Scalar)
		v, _ = v.Field("Child")
	}
	assert.Equal(t, record.KindNil, v.Kind)

	// Depth zero turns bindings themselves into text
	opts := DefaultOptions()
	opts.Depth = 0
	v = New(opts).Sanitize(42)
	assert.Equal(t, record.KindText, v.Kind)
	assert.Equal(t, "42", v.Repr)
}

func TestHandlesBecomeText(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "handle")
	require.NoError(t, err)
	defer f.Close()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := New(DefaultOptions())

	v := s.Sanitize(f)
	assert.Equal(t, record.KindText, v.Kind)
	assert.Contains(t, v.Repr, f.Name())

	v = s.Sanitize(c1)
	assert.Equal(t, record.KindText, v.Kind)
	assert.Contains(t, v.Repr, "pipe")

	v = s.Sanitize(make(chan int, 3))
	assert.Equal(t, record.KindText, v.Kind)
	assert.Equal(t, "<chan int len=0 cap=3>", v.Repr)

	// Handles nested in ordinary structs do not stop the walk
	type holder struct {
		F *os.File
		N int
	}
	v = s.Sanitize(&holder{F: f, N: 9})
	require.Equal(t, record.KindObject, v.Kind)
	fv, _ := v.Field("F")
	assert.Equal(t, record.KindText, fv.Kind)
	nv, _ := v.Field("N")
	assert.Equal(t, int64(9), nv.Scalar)
}

func TestFunctionsBecomeStubs(t *testing.T) {
	v := New(DefaultOptions()).Sanitize(strings.ToUpper)
	require.Equal(t, record.KindStub, v.Kind)
	assert.Equal(t, "strings.ToUpper", v.Repr)

	_, err := v.Call("x")
	assert.True(t, errors.Is(err, record.ErrStubInvoked))

	opts := DefaultOptions()
	opts.Callables = CallableText
	v = New(opts).Sanitize(strings.ToUpper)
	assert.Equal(t, record.KindText, v.Kind)
	assert.Equal(t, "strings.ToUpper", v.Repr)
}

type point struct {
	X, Y int
}

type hidden struct {
	X int
	y int
}

func TestFullFidelity(t *testing.T) {
	opts := DefaultOptions()
	opts.FullFidelity = true
	s := New(opts)

	v := s.Sanitize(point{X: 1, Y: 2})
	require.Equal(t, record.KindOpaque, v.Kind)
	assert.Equal(t, "sanitize.point", v.Type)
	assert.JSONEq(t, `{"X":1,"Y":2}`, string(v.Raw))

	// Unexported state would be lost by the round trip
	v = s.Sanitize(hidden{X: 1, y: 2})
	require.Equal(t, record.KindObject, v.Kind)
	y, ok := v.Field("y")
	require.True(t, ok)
	assert.Equal(t, int64(2), y.Scalar)

	// Without fidelity the same value is walked
	v = New(DefaultOptions()).Sanitize(point{X: 1, Y: 2})
	assert.Equal(t, record.KindObject, v.Kind)
}

func TestRedaction(t *testing.T) {
	opts := DefaultOptions()
	opts.Redact = RedactNames("password", "Token")
	s := New(opts)

	v := s.Binding("dbPassword", reflect.ValueOf("hunter2"))
	assert.Equal(t, RedactedText, v.Repr)

	type creds struct {
		User     string
		APIToken string
	}
	v = s.Sanitize(creds{User: "momo", APIToken: "abc"})
	user, _ := v.Field("User")
	assert.Equal(t, "momo", user.Scalar)
	tok, _ := v.Field("APIToken")
	assert.Equal(t, RedactedText, tok.Repr)

	v = s.Sanitize(map[string]string{"token": "abc", "host": "x"})
	tok, _ = v.Get("token")
	assert.Equal(t, RedactedText, tok.Repr)
	host, _ := v.Get("host")
	assert.Equal(t, "x", host.Scalar)
}

func TestSharedSlice(t *testing.T) {
	type pair struct {
		A, B []int
	}
	shared := []int{1, 2}
	v := New(DefaultOptions()).Sanitize(&pair{A: shared, B: shared})

	a, _ := v.Field("A")
	b, _ := v.Field("B")
	require.Equal(t, record.KindSeq, a.Kind)
	assert.Same(t, a, b)
}

type explosive struct{ N int }

func (explosive) String() string { panic("boom") }

func TestNeverPanics(t *testing.T) {
	s := New(DefaultOptions())
	assert.NotPanics(t, func() {
		v := s.Sanitize(explosive{N: 1})
		assert.Contains(t, v.Repr, "boom")
	})

	opts := DefaultOptions()
	opts.WalkObjects = false
	v := New(opts).Sanitize(explosive{N: 1})
	assert.Equal(t, record.KindText, v.Kind)
	assert.Equal(t, "<repr failed: boom>", v.Repr)
}

func TestScalars(t *testing.T) {
	s := New(DefaultOptions())
	now := time.Now()

	tests := []struct {
		name string
		in   any
		kind record.Kind
		want any
	}{
		{"int", 7, record.KindInt, int64(7)},
		{"uint8", uint8(7), record.KindUint, uint64(7)},
		{"float", 1.5, record.KindFloat, 1.5},
		{"bool", true, record.KindBool, true},
		{"string", "momo", record.KindString, "momo"},
		{"bytes", []byte("ab"), record.KindBytes, []byte("ab")},
		{"duration", time.Second, record.KindDuration, time.Second},
		{"time", now, record.KindTime, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Sanitize(tt.in)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.want, v.Scalar)
		})
	}

	assert.Equal(t, record.KindNil, s.Sanitize(nil).Kind)
	var p *node
	assert.Equal(t, record.KindNil, s.Sanitize(p).Kind)
}

func TestSetsAreSorted(t *testing.T) {
	v := New(DefaultOptions()).Sanitize(map[string]struct{}{"b": {}, "a": {}, "c": {}})
	require.Equal(t, record.KindSet, v.Kind)
	require.Len(t, v.Items, 3)
	assert.Equal(t, "a", v.Items[0].Scalar)
	assert.Equal(t, "c", v.Items[2].Scalar)
}

func TestDisguise(t *testing.T) {
	opts := DefaultOptions()
	opts.Depth = 0
	v := New(opts).Disguise(reflect.ValueOf(&node{Name: "a"}))

	require.Equal(t, record.KindObject, v.Kind)
	assert.Equal(t, "sanitize.node", v.Type)
	name, _ := v.Field("Name")
	assert.Equal(t, record.KindText, name.Kind)
}

func TestRemoteDescriptions(t *testing.T) {
	o := &Object{TypeName: "main.Node", Repr: "{...}"}
	o.Fields = []ObjectField{
		{Name: "next", Value: o},
		{Name: "fn", Value: Func{Type: "func()", Name: "main.handler"}},
		{Name: "conn", Value: Textual{Type: "*net.TCPConn", Text: "<conn>"}},
		{Name: "n", Value: 3},
	}

	v := New(unbounded()).Sanitize(o)
	require.Equal(t, record.KindObject, v.Kind)
	assert.Equal(t, "main.Node", v.Type)

	next, _ := v.Field("next")
	assert.Same(t, v, next)
	fn, _ := v.Field("fn")
	assert.Equal(t, record.KindStub, fn.Kind)
	assert.Equal(t, "main.handler", fn.Repr)
	conn, _ := v.Field("conn")
	assert.Equal(t, "<conn>", conn.Repr)
	n, _ := v.Field("n")
	assert.Equal(t, int64(3), n.Scalar)
}

func TestRepr(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	assert.Equal(t, "map[self:<cycle>]", Repr(m))
	assert.Equal(t, "&{Name:a Next:<nil>}", Repr(&node{Name: "a"}))
}
