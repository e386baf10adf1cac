package sanitize

import (
	"reflect"

	"github.com/willibrandon/chronodump/pkg/record"
)

// Object describes a struct that lives in another process. Backends that
// read variables through a debugger build Objects instead of live values.
type Object struct {
	TypeName string
	Repr     string
	Fields   []ObjectField
}

// ObjectField is one field of an Object. Value may be any live value,
// including another Object, Textual or Func.
type ObjectField struct {
	Name  string
	Value any
}

// Textual is a value that is only known by its description.
type Textual struct {
	Type string
	Text string
}

// Func names a function that lives in another process.
type Func struct {
	Type string
	Name string
}

// predigested converts the remote descriptions above. Pointers to Objects
// are memoized so that remote cycles terminate.
func (s *Sanitizer) predigested(rv reflect.Value, level int) (*record.Value, bool) {
	if !rv.CanInterface() {
		return nil, false
	}
	switch x := rv.Interface().(type) {
	case *Object:
		if prev, ok := s.memo.Record(x); ok {
			return prev.(*record.Value), true
		}
		v := &record.Value{Kind: record.KindObject, Type: x.TypeName, Repr: x.Repr}
		s.memo.PutRecord(x, v)
		s.fillObject(v, x, level)
		return v, true
	case Object:
		v := &record.Value{Kind: record.KindObject, Type: x.TypeName, Repr: x.Repr}
		s.fillObject(v, &x, level)
		return v, true
	case *Textual:
		return record.Text(x.Type, x.Text), true
	case Textual:
		return record.Text(x.Type, x.Text), true
	case *Func:
		return s.remoteFunc(*x), true
	case Func:
		return s.remoteFunc(x), true
	}
	return nil, false
}

func (s *Sanitizer) fillObject(v *record.Value, o *Object, level int) {
	if s.bounded(level) {
		v.Kind = record.KindText
		return
	}
	v.Fields = make([]record.Field, 0, len(o.Fields))
	for _, f := range o.Fields {
		var fv *record.Value
		if s.redacted(f.Name) {
			fv = record.Text("", RedactedText)
		} else {
			fv = s.convert(reflect.ValueOf(f.Value), level+1)
		}
		v.Fields = append(v.Fields, record.Field{Name: f.Name, Value: fv})
	}
}

func (s *Sanitizer) remoteFunc(f Func) *record.Value {
	if s.opts.Callables == CallableStub {
		return &record.Value{Kind: record.KindStub, Type: f.Type, Repr: f.Name}
	}
	return record.Text(f.Type, f.Name)
}
