// Package walker turns a propagation chain into records that are safe to
// persist. It never fails: anything it cannot read is noted as a fault on
// the record that needed it.
package walker

import (
	"fmt"
	"reflect"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/sanitize"
	"github.com/willibrandon/chronodump/pkg/trace"
)

// Options configures a walk.
type Options struct {
	// IncludeBytecode copies each function's machine code when the
	// executable can be read.
	IncludeBytecode bool
}

type walker struct {
	s    *sanitize.Sanitizer
	memo *sanitize.Memo
	opts Options
}

type codeKey struct {
	file string
	name string
}

// Walk converts tb, oldest link first. Frames, codes and values that are
// reached more than once come out as the same record. s supplies the
// value conversion policy and the identity table.
func Walk(tb trace.Traceback, s *sanitize.Sanitizer, opts Options) *record.StackRecord {
	w := &walker{s: s, memo: s.Memo(), opts: opts}

	var head, prev *record.StackRecord
	for l := tb; l != nil; l = l.Next() {
		key, ok := memoKey(l)
		if ok {
			if r, hit := w.memo.Record(key); hit {
				// A link seen before closes a loop in the chain
				if prev != nil {
					prev.Next = r.(*record.StackRecord)
				}
				break
			}
		}
		rec := record.NewStack()
		if ok {
			w.memo.PutRecord(key, rec)
		}
		w.guard(nil, "line", func() { rec.Line = l.Line() })
		w.guard(nil, "frame", func() { rec.Frame = w.frame(l.Frame()) })
		if head == nil {
			head = rec
		} else {
			prev.Next = rec
		}
		prev = rec
	}

	log.Debugf("walker: walked %d links, %d records memoized", len(head.Links()), w.memo.Len())
	return head
}

// frame converts f and its callers.
func (w *walker) frame(f trace.Frame) *record.FrameRecord {
	var head, prev *record.FrameRecord
	for f != nil {
		key, ok := memoKey(f)
		if ok {
			if r, hit := w.memo.Record(key); hit {
				rec := r.(*record.FrameRecord)
				if prev == nil {
					return rec
				}
				prev.Back = rec
				break
			}
		}
		rec := record.NewFrame()
		if ok {
			w.memo.PutRecord(key, rec)
		}
		w.fill(rec, f)
		if head == nil {
			head = rec
		} else {
			prev.Back = rec
		}
		prev = rec

		var back trace.Frame
		w.guard(rec, "back", func() { back = f.Back() })
		f = back
	}
	return head
}

func (w *walker) fill(rec *record.FrameRecord, f trace.Frame) {
	w.guard(rec, "code", func() { rec.Code = w.code(f.Code()) })
	w.guard(rec, "line", func() { rec.Line = f.Line() })
	w.guard(rec, "goroutine", func() { rec.Goroutine = f.Goroutine() })
	w.guard(rec, "receiver", func() { rec.Receiver = f.Receiver() })

	w.guard(rec, "locals", func() {
		locals := f.Locals()
		for _, name := range sortedNames(locals) {
			if name == rec.Receiver {
				rec.Locals[name] = w.receiver(name, locals[name])
				continue
			}
			rec.Locals[name] = w.s.Binding(name, locals[name])
		}
	})

	w.guard(rec, "globals", func() {
		globals := f.Globals()
		for _, name := range sortedNames(globals) {
			if name == "_" || injected(globals[name]) {
				continue
			}
			rec.Globals[name] = w.s.Binding(name, globals[name])
		}
	})
}

var valueType = reflect.TypeOf((*record.Value)(nil))

// injected reports whether v is a builtin descriptor added by rehydration.
// Package variables that shadow a predeclared name are program data.
func injected(v reflect.Value) bool {
	if !v.IsValid() || v.Type() != valueType || v.IsNil() || !v.CanInterface() {
		return false
	}
	return v.Interface().(*record.Value).Kind == record.KindBuiltin
}

// receiver converts the method receiver into an object that prints as
// the receiver itself.
func (w *walker) receiver(name string, v reflect.Value) *record.Value {
	out := w.s.Binding(name, v)
	if out.Kind == record.KindObject || (out.Kind == record.KindText && out.Repr == sanitize.RedactedText) {
		return out
	}
	return w.s.Disguise(v)
}

// code converts c once per function.
func (w *walker) code(c trace.Code) *record.CodeRecord {
	if c == nil {
		return nil
	}
	key := codeKey{file: c.Filename(), name: c.Name()}
	if r, ok := w.memo.Record(key); ok {
		return r.(*record.CodeRecord)
	}
	rec := record.NewCode(key.file, key.name)
	w.memo.PutRecord(key, rec)

	w.codeGuard(rec, "info", func() {
		info, err := c.Info()
		if err != nil {
			rec.Fault("info", err.Error())
			return
		}
		rec.ArgCount = info.ArgCount
		rec.FirstLine = info.FirstLine
		rec.LastLine = info.LastLine
		rec.Lines = info.Lines
		rec.VarNames = info.VarNames
		rec.Receiver = info.Receiver
	})
	w.codeGuard(rec, "nested", func() {
		nested, err := c.Nested()
		if err != nil {
			rec.Fault("nested", err.Error())
			return
		}
		for _, n := range nested {
			rec.Nested = append(rec.Nested, w.code(n))
		}
	})
	if w.opts.IncludeBytecode {
		w.codeGuard(rec, "bytecode", func() {
			b, err := c.Bytecode()
			if err != nil {
				rec.Fault("bytecode", err.Error())
				return
			}
			rec.Bytecode = b
		})
	}
	return rec
}

// guard runs fn, recording a panic as a fault on rec. With a nil rec the
// panic is only logged.
func (w *walker) guard(rec *record.FrameRecord, field string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Failed to read %s: %v", field, r)
			log.Debugf("walker: %s", msg)
			if rec != nil {
				rec.Fault(field, msg)
			}
		}
	}()
	fn()
}

func (w *walker) codeGuard(rec *record.CodeRecord, field string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Failed to read %s: %v", field, r)
			log.Debugf("walker: %s: %s", rec.Name, msg)
			rec.Fault(field, msg)
		}
	}()
	fn()
}

// memoKey returns x as a map key when its dynamic type allows it.
func memoKey(x any) (any, bool) {
	if x == nil || !reflect.TypeOf(x).Comparable() {
		return nil, false
	}
	return x, true
}

func sortedNames(m map[string]reflect.Value) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
