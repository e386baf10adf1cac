package sanitize

import (
	"fmt"
	"net"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"unsafe"
)

const (
	reprDepth      = 4
	defaultMaxRepr = 1024
)

// Repr renders x the way %+v would, but never recurses forever: repeated
// references print as "<cycle>", nesting is cut off, and a panicking
// String or Error method yields "<repr failed: ...>".
func Repr(x any) string {
	return repr(reflect.ValueOf(x), defaultMaxRepr)
}

func repr(rv reflect.Value, max int) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("<repr failed: %v>", r)
		}
	}()
	w := &reprWriter{max: max, seen: make(map[uintptr]bool)}
	w.write(rv, 0)
	return w.String()
}

type reprWriter struct {
	strings.Builder
	max  int
	seen map[uintptr]bool
}

func (w *reprWriter) full() bool {
	return w.max > 0 && w.Len() >= w.max
}

func (w *reprWriter) String() string {
	s := w.Builder.String()
	if w.max > 0 && len(s) > w.max {
		return s[:w.max] + "..."
	}
	return s
}

func (w *reprWriter) write(rv reflect.Value, depth int) {
	if w.full() {
		return
	}
	if !rv.IsValid() {
		w.WriteString("<nil>")
		return
	}
	if s, ok := stringer(rv); ok {
		w.WriteString(s)
		return
	}
	if depth > reprDepth {
		w.WriteString("...")
		return
	}
	switch rv.Kind() {
	case reflect.Bool:
		w.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		w.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, rv.Type().Bits()))
	case reflect.Complex64, reflect.Complex128:
		w.WriteString(strconv.FormatComplex(rv.Complex(), 'g', -1, rv.Type().Bits()))
	case reflect.String:
		w.WriteString(rv.String())
	case reflect.Interface:
		if rv.IsNil() {
			w.WriteString("<nil>")
			return
		}
		w.write(rv.Elem(), depth)
	case reflect.Pointer:
		if rv.IsNil() {
			w.WriteString("<nil>")
			return
		}
		switch rv.Elem().Kind() {
		case reflect.Struct, reflect.Array, reflect.Slice, reflect.Map:
			if depth == 0 && !w.seen[rv.Pointer()] {
				w.seen[rv.Pointer()] = true
				w.WriteByte('&')
				w.write(rv.Elem(), depth+1)
				return
			}
		}
		fmt.Fprintf(w, "0x%x", rv.Pointer())
	case reflect.Struct:
		rv = addressable(rv)
		w.WriteByte('{')
		for i := 0; i < rv.NumField() && !w.full(); i++ {
			if i > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(rv.Type().Field(i).Name)
			w.WriteByte(':')
			w.write(field(rv, i), depth+1)
		}
		w.WriteByte('}')
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				w.WriteString("[]")
				return
			}
			if w.seen[rv.Pointer()] {
				w.WriteString("<cycle>")
				return
			}
			w.seen[rv.Pointer()] = true
			defer delete(w.seen, rv.Pointer())
		}
		w.WriteByte('[')
		for i := 0; i < rv.Len() && !w.full(); i++ {
			if i > 0 {
				w.WriteByte(' ')
			}
			w.write(rv.Index(i), depth+1)
		}
		w.WriteByte(']')
	case reflect.Map:
		if rv.IsNil() {
			w.WriteString("map[]")
			return
		}
		if w.seen[rv.Pointer()] {
			w.WriteString("<cycle>")
			return
		}
		w.seen[rv.Pointer()] = true
		defer delete(w.seen, rv.Pointer())
		w.WriteString("map[")
		for i, k := range sortedKeys(rv) {
			if w.full() {
				break
			}
			if i > 0 {
				w.WriteByte(' ')
			}
			w.write(k, depth+1)
			w.WriteByte(':')
			w.write(rv.MapIndex(k), depth+1)
		}
		w.WriteByte(']')
	case reflect.Func:
		if rv.IsNil() {
			w.WriteString("<nil>")
			return
		}
		w.WriteString(funcName(rv))
	case reflect.Chan:
		if rv.IsNil() {
			w.WriteString("<nil>")
			return
		}
		fmt.Fprintf(w, "<%s len=%d cap=%d>", rv.Type(), rv.Len(), rv.Cap())
	case reflect.UnsafePointer:
		fmt.Fprintf(w, "0x%x", rv.Pointer())
	default:
		fmt.Fprintf(w, "<%s>", rv.Type())
	}
}

// stringer calls the String or Error method of rv, if it has one.
func stringer(rv reflect.Value) (s string, ok bool) {
	if !rv.CanInterface() {
		return "", false
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return "", false
		}
	}
	x := rv.Interface()
	if rv.Kind() != reflect.Pointer && rv.CanAddr() {
		if _, direct := x.(fmt.Stringer); !direct {
			if _, direct := x.(error); !direct {
				x = rv.Addr().Interface()
			}
		}
	}
	switch v := x.(type) {
	case error:
		return v.Error(), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

// describeHandle renders a value that wraps an operating system resource.
func describeHandle(rv reflect.Value) string {
	if rv.CanInterface() {
		switch h := rv.Interface().(type) {
		case interface{ Name() string }:
			return fmt.Sprintf("<%s %s>", rv.Type(), h.Name())
		case net.Conn:
			return fmt.Sprintf("<%s %s->%s>", rv.Type(), h.LocalAddr(), h.RemoteAddr())
		case net.Listener:
			return fmt.Sprintf("<%s %s>", rv.Type(), h.Addr())
		}
	}
	switch rv.Kind() {
	case reflect.Chan:
		if rv.IsNil() {
			return fmt.Sprintf("<%s nil>", rv.Type())
		}
		return fmt.Sprintf("<%s len=%d cap=%d>", rv.Type(), rv.Len(), rv.Cap())
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Func, reflect.Slice:
		return fmt.Sprintf("<%s 0x%x>", rv.Type(), rv.Pointer())
	}
	return fmt.Sprintf("<%s>", rv.Type())
}

func funcName(rv reflect.Value) string {
	if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf("0x%x", rv.Pointer())
}

// addressable returns rv itself when its fields can be read through
// unsafe, or an addressable copy otherwise.
func addressable(rv reflect.Value) reflect.Value {
	if rv.CanAddr() {
		return rv
	}
	cp := reflect.New(rv.Type()).Elem()
	cp.Set(rv)
	return cp
}

// field returns the i-th field of the addressable struct rv, readable even
// when unexported.
func field(rv reflect.Value, i int) reflect.Value {
	f := rv.Field(i)
	if f.CanInterface() {
		return f
	}
	return reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
}

// sortedKeys returns the keys of a map in a stable order.
func sortedKeys(rv reflect.Value) []reflect.Value {
	keys := rv.MapKeys()
	rendered := make([]string, len(keys))
	for i, k := range keys {
		rendered[i] = repr(k, 128)
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return rendered[idx[a]] < rendered[idx[b]] })
	out := make([]reflect.Value, len(keys))
	for i, j := range idx {
		out[i] = keys[j]
	}
	return out
}
