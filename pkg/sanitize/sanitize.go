// Package sanitize converts arbitrary live Go values into record.Values that
// are always safe to persist.
//
// Each value is classified by the first rule that matches:
//
//  1. already converted during this capture: the earlier substitute
//  2. nested deeper than Options.Depth: text
//  3. scalars (numbers, strings, bools, nil, []byte, time.Time,
//     time.Duration): kept as they are
//  4. slices and arrays: seq; maps with struct{} values: set; other maps:
//     map; elements and keys converted recursively
//  5. operating system handles (channels, unsafe pointers, io.Closer and
//     syscall.Conn implementations): text
//  6. with Options.FullFidelity, values that survive a JSON round trip:
//     opaque, kept verbatim
//  7. structs, with Options.WalkObjects: object, fields converted
//     recursively
//  8. funcs: a stub, or text with CallableText
//  9. anything else: text
//
// Conversion never panics. A failure anywhere degrades that one value to
// a text description.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/record"
)

// CallablePolicy selects how function values are converted.
type CallablePolicy int

const (
	// CallableStub replaces functions with stand-ins that fail when called.
	CallableStub CallablePolicy = iota
	// CallableText replaces functions with their names.
	CallableText
)

// DefaultDepth is the nesting depth converted structurally by default.
const DefaultDepth = 3

// Unbounded disables the depth limit.
const Unbounded = -1

// RedactedText replaces values whose names match a RedactFunc.
const RedactedText = "***REDACTED***"

// RedactFunc reports whether the binding, field or key called name must
// not be captured.
type RedactFunc func(name string) bool

// Options configures a Sanitizer.
type Options struct {
	// Depth is how many levels below a frame binding are converted
	// structurally; deeper values become text. Negative means unbounded.
	Depth int

	// FullFidelity keeps values verbatim when they survive a JSON round
	// trip, at the cost of needing their type registered to decode them.
	FullFidelity bool

	// Callables selects stubs or text for function values.
	Callables CallablePolicy

	// WalkObjects converts structs field by field instead of to text.
	WalkObjects bool

	// Redact masks sensitive bindings. Nil captures everything.
	Redact RedactFunc

	// MaxRepr bounds the length of text representations.
	MaxRepr int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Depth:       DefaultDepth,
		Callables:   CallableStub,
		WalkObjects: true,
		MaxRepr:     defaultMaxRepr,
	}
}

// RedactNames returns a RedactFunc matching names that contain any of the
// patterns, ignoring case.
func RedactNames(patterns ...string) RedactFunc {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return func(name string) bool {
		name = strings.ToLower(name)
		for _, p := range lowered {
			if strings.Contains(name, p) {
				return true
			}
		}
		return false
	}
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	closerType   = reflect.TypeOf((*io.Closer)(nil)).Elem()
	connType     = reflect.TypeOf((*syscall.Conn)(nil)).Elem()
)

// Sanitizer converts values for one capture. Its memo lives as long as the
// Sanitizer, so a new one is needed per capture.
type Sanitizer struct {
	opts Options
	memo *Memo
}

// New returns a Sanitizer with a fresh identity table.
func New(opts Options) *Sanitizer {
	if opts.MaxRepr == 0 {
		opts.MaxRepr = defaultMaxRepr
	}
	return &Sanitizer{opts: opts, memo: NewMemo()}
}

// Options returns the options s was created with.
func (s *Sanitizer) Options() Options { return s.opts }

// Memo returns the identity table shared by everything s converts.
func (s *Sanitizer) Memo() *Memo { return s.memo }

// Sanitize converts x as a top-level binding.
func (s *Sanitizer) Sanitize(x any) *record.Value {
	return s.Value(reflect.ValueOf(x))
}

// Value converts rv as a top-level binding. Passing an addressable value
// lets references to the same variable resolve to the same substitute.
func (s *Sanitizer) Value(rv reflect.Value) *record.Value {
	return s.convert(rv, 1)
}

// Binding converts the value bound to name, masking it when name is
// redacted.
func (s *Sanitizer) Binding(name string, rv reflect.Value) *record.Value {
	if s.redacted(name) {
		return record.Text(typeName(rv), RedactedText)
	}
	return s.Value(rv)
}

// Disguise converts rv into an object substitute regardless of depth or
// WalkObjects, printing as rv's own representation. It is how method
// receivers are captured.
func (s *Sanitizer) Disguise(rv reflect.Value) (out *record.Value) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(rv, r)
		}
	}()
	for rv.IsValid() && (rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer) && !rv.IsNil() {
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return s.convert(rv, 1)
	}
	return s.object(rv, 0)
}

func (s *Sanitizer) redacted(name string) bool {
	return s.opts.Redact != nil && s.opts.Redact(name)
}

func (s *Sanitizer) bounded(level int) bool {
	return s.opts.Depth >= 0 && level > s.opts.Depth
}

func (s *Sanitizer) convert(rv reflect.Value, level int) (out *record.Value) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("sanitize: %s degraded to text: %v", typeName(rv), r)
			out = failed(rv, r)
		}
	}()

	if !rv.IsValid() {
		return record.Nil("")
	}

	// Interfaces and pointers are transparent; they share their target's
	// substitute.
	for {
		if rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return record.Nil(rv.Type().String())
			}
			rv = rv.Elem()
			continue
		}
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return record.Nil(rv.Type().String())
			}
			if handle(rv.Type()) {
				return record.Text(rv.Type().String(), describeHandle(rv))
			}
			if pre, ok := s.predigested(rv, level); ok {
				return pre
			}
			p := rv.Pointer()
			elem := rv.Elem()
			if id, ok := identityOf(elem); ok {
				if v, hit := s.memo.lookup(id); hit {
					return v
				}
			}
			if s.memo.active[p] {
				return record.Text(rv.Type().String(), "<cycle>")
			}
			s.memo.active[p] = true
			defer delete(s.memo.active, p)
			rv = elem
			continue
		}
		break
	}

	id, shared := identityOf(rv)
	if shared {
		if v, hit := s.memo.lookup(id); hit {
			return v
		}
	}

	remember := func(v *record.Value) *record.Value {
		if shared {
			s.memo.put(id, v)
		}
		return v
	}

	if s.bounded(level) {
		return remember(record.Text(rv.Type().String(), repr(rv, s.opts.MaxRepr)))
	}

	if v, ok := scalar(rv); ok {
		return v
	}

	t := rv.Type()
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return record.Nil(t.String())
		}
		fallthrough
	case reflect.Array:
		v := remember(&record.Value{Kind: record.KindSeq, Type: t.String()})
		v.Items = make([]*record.Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v.Items[i] = s.convert(rv.Index(i), level+1)
		}
		return v
	case reflect.Map:
		if rv.IsNil() {
			return record.Nil(t.String())
		}
		if t.Elem().Kind() == reflect.Struct && t.Elem().Size() == 0 {
			v := remember(&record.Value{Kind: record.KindSet, Type: t.String()})
			for _, k := range sortedKeys(rv) {
				v.Items = append(v.Items, s.convert(k, level+1))
			}
			return v
		}
		v := remember(&record.Value{Kind: record.KindMap, Type: t.String()})
		for _, k := range sortedKeys(rv) {
			key := s.convert(k, level+1)
			if k.Kind() == reflect.String && s.redacted(k.String()) {
				v.Pairs = append(v.Pairs, record.Pair{Key: key, Value: record.Text(t.Elem().String(), RedactedText)})
				continue
			}
			v.Pairs = append(v.Pairs, record.Pair{Key: key, Value: s.convert(rv.MapIndex(k), level+1)})
		}
		return v
	}

	if handle(t) {
		return remember(record.Text(t.String(), describeHandle(rv)))
	}

	if pre, ok := s.predigested(rv, level); ok {
		return pre
	}

	if s.opts.FullFidelity {
		if raw, ok := roundTrip(rv); ok {
			return remember(&record.Value{Kind: record.KindOpaque, Type: t.String(), Raw: raw, Repr: repr(rv, s.opts.MaxRepr)})
		}
	}

	switch rv.Kind() {
	case reflect.Struct:
		if s.opts.WalkObjects {
			return s.object(rv, level)
		}
	case reflect.Func:
		if rv.IsNil() {
			return record.Nil(t.String())
		}
		if s.opts.Callables == CallableStub {
			return remember(&record.Value{Kind: record.KindStub, Type: t.String(), Repr: funcName(rv)})
		}
		return remember(record.Text(t.String(), funcName(rv)))
	}

	return remember(record.Text(t.String(), repr(rv, s.opts.MaxRepr)))
}

// object converts a struct field by field. The substitute is stored in the
// memo before any field is converted.
func (s *Sanitizer) object(rv reflect.Value, level int) *record.Value {
	rv = addressable(rv)
	t := rv.Type()
	v := &record.Value{Kind: record.KindObject, Type: t.String(), Repr: repr(rv, s.opts.MaxRepr)}
	if id, ok := identityOf(rv); ok {
		if hit, ok := s.memo.lookup(id); ok && hit.Kind == record.KindObject {
			return hit
		}
		s.memo.put(id, v)
	}
	v.Fields = make([]record.Field, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		name := t.Field(i).Name
		if name == "_" {
			continue
		}
		var fv *record.Value
		if s.redacted(name) {
			fv = record.Text(t.Field(i).Type.String(), RedactedText)
		} else {
			fv = s.convert(field(rv, i), level+1)
		}
		v.Fields = append(v.Fields, record.Field{Name: name, Value: fv})
	}
	return v
}

// scalar converts values that carry no references.
func scalar(rv reflect.Value) (*record.Value, bool) {
	t := rv.Type()
	switch t {
	case timeType:
		return record.Scalar(record.KindTime, t.String(), timeOf(rv)), true
	case durationType:
		return record.Scalar(record.KindDuration, t.String(), time.Duration(rv.Int())), true
	}
	switch rv.Kind() {
	case reflect.Bool:
		return record.Scalar(record.KindBool, t.String(), rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return record.Scalar(record.KindInt, t.String(), rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return record.Scalar(record.KindUint, t.String(), rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return record.Scalar(record.KindFloat, t.String(), rv.Float()), true
	case reflect.Complex64, reflect.Complex128:
		return record.Scalar(record.KindComplex, t.String(), rv.Complex()), true
	case reflect.String:
		return record.Scalar(record.KindString, t.String(), rv.String()), true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && !rv.IsNil() {
			return record.Scalar(record.KindBytes, t.String(), bytes.Clone(rv.Bytes())), true
		}
	}
	return nil, false
}

func timeOf(rv reflect.Value) time.Time {
	if rv.CanInterface() {
		return rv.Interface().(time.Time)
	}
	return addressable(rv).Interface().(time.Time)
}

// handle reports whether values of t wrap an operating system resource.
func handle(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return t.Implements(closerType) || t.Implements(connType)
}

// roundTrip reports whether rv survives encoding to JSON and back without
// loss, returning the encoding.
func roundTrip(rv reflect.Value) (raw []byte, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if !rv.CanInterface() || hasUnexported(rv.Type()) {
		return nil, false
	}
	first, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, false
	}
	p := reflect.New(rv.Type())
	if err := json.Unmarshal(first, p.Interface()); err != nil {
		return nil, false
	}
	second, err := json.Marshal(p.Elem().Interface())
	if err != nil || !bytes.Equal(first, second) {
		return nil, false
	}
	return first, true
}

// hasUnexported reports whether encoding/json would silently drop part of
// a struct.
func hasUnexported(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() && !t.Field(i).Anonymous {
			return true
		}
	}
	return false
}

func typeName(rv reflect.Value) string {
	if !rv.IsValid() {
		return ""
	}
	return rv.Type().String()
}

func failed(rv reflect.Value, r any) *record.Value {
	return record.Text(typeName(rv), fmt.Sprintf("Failed to serialize object: %v", r))
}
