package debugger

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-delve/delve/service/api"

	"github.com/willibrandon/chronodump/pkg/sanitize"
	"github.com/willibrandon/chronodump/pkg/trace"
)

// RemoteTraceback presents frames read by delve, innermost first as delve
// reports them, as a chain the walker can sanitize. Runtime frames at
// either end (the panic machinery and the goroutine entry) are dropped.
// It returns nil when no program frame remains.
func RemoteTraceback(frames []api.Stackframe, gid int64) trace.Traceback {
	lo, hi := 0, len(frames)
	for lo < hi && runtimeFrame(frames[lo]) {
		lo++
	}
	for hi > lo && runtimeFrame(frames[hi-1]) {
		hi--
	}
	if lo == hi {
		return nil
	}

	conv := &remoteConverter{objects: make(map[uint64]*sanitize.Object)}
	var head, prev *remoteLink
	var back *remoteFrame
	for i := hi - 1; i >= lo; i-- {
		sf := frames[i]
		f := &remoteFrame{
			code:   trace.SourceCode(sf.File, funcName(sf), sf.Line),
			line:   sf.Line,
			gid:    gid,
			locals: conv.bindings(sf),
			back:   back,
		}
		back = f

		l := &remoteLink{frame: f}
		if head == nil {
			head = l
		} else {
			prev.next = l
		}
		prev = l
	}
	return head
}

func funcName(sf api.Stackframe) string {
	if sf.Function == nil {
		return ""
	}
	return sf.Function.Name()
}

func runtimeFrame(sf api.Stackframe) bool {
	name := funcName(sf)
	return name == "" || strings.HasPrefix(name, "runtime.")
}

type remoteLink struct {
	frame *remoteFrame
	next  *remoteLink
}

func (l *remoteLink) Frame() trace.Frame { return l.frame }

func (l *remoteLink) Line() int { return l.frame.line }

func (l *remoteLink) Next() trace.Traceback {
	if l.next == nil {
		return nil
	}
	return l.next
}

type remoteFrame struct {
	code   trace.Code
	line   int
	gid    int64
	locals map[string]reflect.Value
	back   *remoteFrame
}

func (f *remoteFrame) Code() trace.Code { return f.code }

func (f *remoteFrame) Line() int { return f.line }

func (f *remoteFrame) Locals() map[string]reflect.Value { return f.locals }

// Package variables are not read from the remote process.
func (f *remoteFrame) Globals() map[string]reflect.Value { return map[string]reflect.Value{} }

func (f *remoteFrame) Receiver() string {
	info, err := f.code.Info()
	if err != nil {
		return ""
	}
	if _, ok := f.locals[info.Receiver]; ok {
		return info.Receiver
	}
	return ""
}

func (f *remoteFrame) Back() trace.Frame {
	if f.back == nil {
		return nil
	}
	return f.back
}

func (f *remoteFrame) Goroutine() int64 { return f.gid }

// remoteConverter turns delve variables into live values the sanitizer
// understands. Structs at the same address become the same Object.
type remoteConverter struct {
	objects map[uint64]*sanitize.Object
}

func (c *remoteConverter) bindings(sf api.Stackframe) map[string]reflect.Value {
	out := make(map[string]reflect.Value, len(sf.Arguments)+len(sf.Locals))
	for _, group := range [][]api.Variable{sf.Arguments, sf.Locals} {
		for i := range group {
			v := &group[i]
			// Results not yet assigned and shadowed names carry no value
			if v.Name == "" || v.Flags&api.VariableShadowed != 0 {
				continue
			}
			out[v.Name] = reflect.ValueOf(c.value(v))
		}
	}
	return out
}

func (c *remoteConverter) value(v *api.Variable) any {
	if v.Unreadable != "" {
		return sanitize.Textual{Type: v.Type, Text: "<unreadable: " + v.Unreadable + ">"}
	}
	switch v.Kind {
	case reflect.Bool:
		if b, err := strconv.ParseBool(v.Value); err == nil {
			return b
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return n
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n, err := strconv.ParseUint(v.Value, 10, 64); err == nil {
			return n
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
	case reflect.String:
		if int64(len(v.Value)) == v.Len {
			return v.Value
		}
	case reflect.Func:
		if v.Value == "" {
			return sanitize.Textual{Type: v.Type, Text: "nil"}
		}
		return sanitize.Func{Type: v.Type, Name: v.Value}
	case reflect.Struct:
		return c.object(v)
	case reflect.Pointer:
		if len(v.Children) == 0 || v.Children[0].Addr == 0 {
			return sanitize.Textual{Type: v.Type, Text: "nil"}
		}
		child := &v.Children[0]
		if child.OnlyAddr {
			break
		}
		return c.value(child)
	case reflect.Interface:
		if len(v.Children) == 0 || v.Children[0].Kind == reflect.Invalid {
			return sanitize.Textual{Type: v.Type, Text: "nil"}
		}
		return c.value(&v.Children[0])
	case reflect.Slice, reflect.Array:
		if int64(len(v.Children)) != v.Len {
			break
		}
		items := make([]any, len(v.Children))
		for i := range v.Children {
			items[i] = c.value(&v.Children[i])
		}
		return items
	case reflect.Map:
		if int64(len(v.Children)) != 2*v.Len {
			break
		}
		m := make(map[any]any, v.Len)
		for i := 0; i+1 < len(v.Children); i += 2 {
			k := c.value(&v.Children[i])
			if !reflect.TypeOf(k).Comparable() {
				k = v.Children[i].SinglelineString()
			}
			m[k] = c.value(&v.Children[i+1])
		}
		return m
	}
	// Truncated or otherwise partial values keep delve's rendering
	return sanitize.Textual{Type: v.Type, Text: v.SinglelineString()}
}

func (c *remoteConverter) object(v *api.Variable) *sanitize.Object {
	if v.Addr != 0 {
		if o, ok := c.objects[v.Addr]; ok {
			return o
		}
	}
	o := &sanitize.Object{TypeName: v.Type, Repr: v.SinglelineString()}
	if v.Addr != 0 {
		c.objects[v.Addr] = o
	}
	for i := range v.Children {
		f := &v.Children[i]
		o.Fields = append(o.Fields, sanitize.ObjectField{Name: f.Name, Value: c.value(f)})
	}
	return o
}
