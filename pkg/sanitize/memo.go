package sanitize

import (
	"reflect"

	"github.com/willibrandon/chronodump/pkg/record"
)

// identity keys a reference-carrying value: where it lives, what it is,
// and for slices how much of the backing array it covers.
type identity struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// Memo is the per-capture identity table. Every reference encountered more
// than once during a capture resolves to the substitute produced the first
// time, which both terminates cycles and keeps shared structure shared.
type Memo struct {
	values  map[identity]*record.Value
	records map[any]any
	active  map[uintptr]bool
}

// NewMemo returns an empty table.
func NewMemo() *Memo {
	return &Memo{
		values:  make(map[identity]*record.Value),
		records: make(map[any]any),
		active:  make(map[uintptr]bool),
	}
}

// Record returns the substitute stored for a live stack object.
func (m *Memo) Record(key any) (any, bool) {
	r, ok := m.records[key]
	return r, ok
}

// PutRecord stores the substitute for a live stack object. Callers store
// the substitute before filling it in so that self references resolve.
func (m *Memo) PutRecord(key, rec any) {
	m.records[key] = rec
}

// Len returns the number of memoized values and records.
func (m *Memo) Len() int {
	return len(m.values) + len(m.records)
}

func (m *Memo) lookup(id identity) (*record.Value, bool) {
	v, ok := m.values[id]
	return v, ok
}

func (m *Memo) put(id identity, v *record.Value) {
	m.values[id] = v
}

// identityOf returns the identity of rv when it refers to memory that other
// values can share.
func identityOf(rv reflect.Value) (identity, bool) {
	switch rv.Kind() {
	case reflect.Struct, reflect.Array:
		if rv.CanAddr() && rv.Type().Size() > 0 {
			return identity{ptr: rv.UnsafeAddr(), typ: rv.Type()}, true
		}
	case reflect.Map, reflect.Chan, reflect.Func:
		if p := rv.Pointer(); p != 0 {
			return identity{ptr: p, typ: rv.Type()}, true
		}
	case reflect.Slice:
		if p := rv.Pointer(); p != 0 {
			return identity{ptr: p, typ: rv.Type(), n: rv.Len()}, true
		}
	}
	return identity{}, false
}
