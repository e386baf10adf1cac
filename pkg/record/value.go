package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the variants of a Value.
type Kind string

const (
	KindNil      Kind = "nil"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindUint     Kind = "uint"
	KindFloat    Kind = "float"
	KindComplex  Kind = "complex"
	KindString   Kind = "string"
	KindBytes    Kind = "bytes"
	KindTime     Kind = "time"
	KindDuration Kind = "duration"
	KindSeq      Kind = "seq"
	KindSet      Kind = "set"
	KindMap      Kind = "map"
	KindObject   Kind = "object"
	KindOpaque   Kind = "opaque"
	KindStub     Kind = "stub"
	KindText     Kind = "text"
	KindBuiltin  Kind = "builtin"
)

// Scalar reports whether values of the kind hold no references.
func (k Kind) Scalar() bool {
	switch k {
	case KindNil, KindBool, KindInt, KindUint, KindFloat, KindComplex,
		KindString, KindBytes, KindTime, KindDuration:
		return true
	}
	return false
}

// Container reports whether values of the kind hold child values.
func (k Kind) Container() bool {
	switch k {
	case KindSeq, KindSet, KindMap, KindObject:
		return true
	}
	return false
}

// Value is the persistable substitute for one Go value. Which fields are
// meaningful depends on Kind:
//
//	scalars            Scalar (bool, int64, uint64, float64, complex128,
//	                   string, []byte, time.Time, time.Duration)
//	seq, set           Items
//	map                Pairs
//	object             Fields and Repr; the disguise for a struct
//	opaque             Raw JSON of a value that survived a trial round-trip
//	stub               Repr holds the original function name
//	text               Repr
//	builtin            Repr, and Scalar for predeclared constants
//
// Values may form cycles; every traversal in this package is cycle-safe.
type Value struct {
	Kind   Kind
	Type   string
	Scalar any
	Items  []*Value
	Pairs  []Pair
	Fields []Field
	Repr   string
	Raw    json.RawMessage
}

// Pair is one key/value entry of a map Value.
type Pair struct {
	Key   *Value
	Value *Value
}

// Field is one named attribute of an object Value.
type Field struct {
	Name  string
	Value *Value
}

// Nil returns a nil Value of the given type.
func Nil(typ string) *Value { return &Value{Kind: KindNil, Type: typ} }

// Text returns a text fallback Value.
func Text(typ, repr string) *Value { return &Value{Kind: KindText, Type: typ, Repr: repr} }

// Scalar returns a scalar Value. It panics on a kind that is not scalar.
func Scalar(kind Kind, typ string, v any) *Value {
	if !kind.Scalar() {
		panic("record: " + string(kind) + " is not a scalar kind")
	}
	return &Value{Kind: kind, Type: typ, Scalar: v}
}

// Field returns the named field of an object Value.
func (v *Value) Field(name string) (*Value, bool) {
	if v == nil {
		return nil, false
	}
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Get resolves one path element against v: a field name for objects, a
// key for maps (matched against the key's rendering), or an index for seqs.
func (v *Value) Get(elem string) (*Value, bool) {
	if v == nil {
		return nil, false
	}
	switch v.Kind {
	case KindObject:
		return v.Field(elem)
	case KindMap:
		for _, p := range v.Pairs {
			if p.Key == nil {
				continue
			}
			if s, ok := p.Key.Scalar.(string); ok && s == elem {
				return p.Value, true
			}
			if p.Key.String() == elem {
				return p.Value, true
			}
		}
	case KindSeq, KindSet:
		i, err := strconv.Atoi(elem)
		if err == nil && i >= 0 && i < len(v.Items) {
			return v.Items[i], true
		}
	}
	return nil, false
}

// Len returns the number of children of a container Value.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.Kind {
	case KindSeq, KindSet:
		return len(v.Items)
	case KindMap:
		return len(v.Pairs)
	case KindObject:
		return len(v.Fields)
	}
	return 0
}

// String renders v the way a debugger prints it. Objects print their
// captured representation; repeated references print as "...".
func (v *Value) String() string {
	var b strings.Builder
	v.format(&b, make(map[*Value]bool), false)
	return b.String()
}

// Detail renders v structurally, expanding objects into their fields.
func (v *Value) Detail() string {
	var b strings.Builder
	v.format(&b, make(map[*Value]bool), true)
	return b.String()
}

func (v *Value) format(b *strings.Builder, active map[*Value]bool, expand bool) {
	if v == nil {
		b.WriteString("<nil>")
		return
	}
	if active[v] {
		b.WriteString("...")
		return
	}
	switch v.Kind {
	case KindNil:
		b.WriteString("nil")
	case KindString:
		s, _ := v.Scalar.(string)
		b.WriteString(strconv.Quote(s))
	case KindBytes:
		bs, _ := v.Scalar.([]byte)
		fmt.Fprintf(b, "%q", bs)
	case KindTime:
		if t, ok := v.Scalar.(time.Time); ok {
			b.WriteString(t.Format(time.RFC3339Nano))
		}
	case KindBool, KindInt, KindUint, KindFloat, KindComplex, KindDuration:
		fmt.Fprint(b, v.Scalar)
	case KindSeq, KindSet:
		active[v] = true
		lb, rb := "[", "]"
		if v.Kind == KindSet {
			lb, rb = "{", "}"
		}
		b.WriteString(lb)
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(' ')
			}
			it.format(b, active, expand)
		}
		b.WriteString(rb)
		delete(active, v)
	case KindMap:
		active[v] = true
		b.WriteString("map[")
		for i, p := range v.Pairs {
			if i > 0 {
				b.WriteByte(' ')
			}
			p.Key.format(b, active, expand)
			b.WriteByte(':')
			p.Value.format(b, active, expand)
		}
		b.WriteByte(']')
		delete(active, v)
	case KindObject:
		if !expand && v.Repr != "" {
			b.WriteString(v.Repr)
			return
		}
		active[v] = true
		b.WriteString(v.Type)
		b.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
			b.WriteByte(':')
			f.Value.format(b, active, expand)
		}
		b.WriteByte('}')
		delete(active, v)
	case KindOpaque:
		if v.Repr != "" {
			b.WriteString(v.Repr)
		} else {
			b.Write(v.Raw)
		}
	case KindStub:
		fmt.Fprintf(b, "<stub %s>", v.Repr)
	default:
		b.WriteString(v.Repr)
	}
}

// Interface converts v back into plain Go values: scalars as themselves,
// seqs as []any, sets and maps as map[any]any, objects as map[string]any,
// stubs as StubFunc and everything else as its text. Opaque values are
// decoded into their registered type when one exists.
func (v *Value) Interface() any {
	return v.native(make(map[*Value]any))
}

func (v *Value) native(done map[*Value]any) any {
	if v == nil {
		return nil
	}
	if out, ok := done[v]; ok {
		return out
	}
	switch v.Kind {
	case KindNil:
		return nil
	case KindSeq:
		out := make([]any, len(v.Items))
		done[v] = out
		for i, it := range v.Items {
			out[i] = it.native(done)
		}
		return out
	case KindSet:
		out := make(map[any]any, len(v.Items))
		done[v] = out
		for _, it := range v.Items {
			out[hashable(it.native(done), it)] = struct{}{}
		}
		return out
	case KindMap:
		out := make(map[any]any, len(v.Pairs))
		done[v] = out
		for _, p := range v.Pairs {
			out[hashable(p.Key.native(done), p.Key)] = p.Value.native(done)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Fields))
		done[v] = out
		for _, f := range v.Fields {
			out[f.Name] = f.Value.native(done)
		}
		return out
	case KindOpaque:
		if x, err := decodeOpaque(v); err == nil {
			return x
		}
		return v.String()
	case KindStub:
		return v.Stub()
	case KindBuiltin:
		if v.Scalar != nil {
			return v.Scalar
		}
		return v.Repr
	}
	if v.Kind.Scalar() {
		return v.Scalar
	}
	return v.Repr
}

func hashable(x any, v *Value) any {
	switch x.(type) {
	case nil, bool, int64, uint64, float64, complex128, string, time.Duration:
		return x
	}
	return v.String()
}
