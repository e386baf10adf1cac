// Package builtins describes Go's predeclared identifiers. Captures leave
// them out of frame globals and rehydration puts them back.
package builtins

import (
	"go/constant"
	"go/types"
	"sort"

	"github.com/willibrandon/chronodump/pkg/record"
)

var names = func() []string {
	n := types.Universe.Names()
	sort.Strings(n)
	return n
}()

var index = func() map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// Names returns the predeclared identifiers, sorted.
func Names() []string {
	return append([]string(nil), names...)
}

// Has reports whether name is predeclared.
func Has(name string) bool {
	return index[name]
}

// Namespace returns a fresh binding for every predeclared identifier.
func Namespace() map[string]*record.Value {
	out := make(map[string]*record.Value, len(names))
	for _, n := range names {
		out[n] = describe(types.Universe.Lookup(n))
	}
	return out
}

func describe(obj types.Object) *record.Value {
	v := &record.Value{Kind: record.KindBuiltin, Repr: types.ObjectString(obj, nil)}
	switch o := obj.(type) {
	case *types.Builtin:
		v.Type = "builtin"
	case *types.TypeName:
		v.Type = "type"
	case *types.Nil:
		v.Type = "nil"
	case *types.Const:
		v.Type = o.Type().String()
		switch val := o.Val(); val.Kind() {
		case constant.Bool:
			v.Scalar = constant.BoolVal(val)
		case constant.Int:
			if n, ok := constant.Int64Val(val); ok {
				v.Scalar = n
			}
		}
	}
	return v
}
