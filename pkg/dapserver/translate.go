package dapserver

import (
	"fmt"
	"path/filepath"

	"github.com/google/go-dap"

	"github.com/willibrandon/chronodump/pkg/record"
)

// threadID is the single thread the crashed goroutine is shown as.
const threadID = 1

func threadName(frames []*record.FrameRecord) string {
	if len(frames) == 0 {
		return "goroutine"
	}
	if gid := frames[len(frames)-1].Goroutine; gid > 0 {
		return fmt.Sprintf("goroutine %d", gid)
	}
	return "goroutine"
}

// translateStackFrames converts frames in call order to DAP frames, most
// recent first, with IDs counting from 1 at the innermost frame.
func translateStackFrames(frames []*record.FrameRecord, lines []int, sourceRef func(string) int) []dap.StackFrame {
	out := make([]dap.StackFrame, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		sf := dap.StackFrame{
			Id:     len(frames) - i,
			Line:   lines[i],
			Column: 1,
		}
		if f.Code != nil {
			sf.Name = f.Code.Name
			if f.Code.Filename != "" {
				sf.Source = &dap.Source{
					Name:            filepath.Base(f.Code.Filename),
					Path:            f.Code.Filename,
					SourceReference: sourceRef(f.Code.Filename),
				}
			}
		}
		if sf.Name == "" {
			sf.Name = "???"
			sf.PresentationHint = "subtle"
		}
		out = append(out, sf)
	}
	return out
}

// globalNames lists the package variables of f, leaving out the
// predeclared identifiers a rehydrated capsule carries.
func globalNames(f *record.FrameRecord) []string {
	var out []string
	for _, name := range f.GlobalNames() {
		if v := f.Globals[name]; v == nil || v.Kind != record.KindBuiltin {
			out = append(out, name)
		}
	}
	return out
}

func translateBindings(names []string, scope map[string]*record.Value, allocRef func(*record.Value) int) []dap.Variable {
	vars := make([]dap.Variable, 0, len(names))
	for _, name := range names {
		v, ok := scope[name]
		if !ok {
			continue
		}
		vars = append(vars, variable(name, name, v, allocRef))
	}
	return vars
}

// receiverVariables lists the fields of a method receiver, or the
// receiver itself when it has none.
func receiverVariables(name string, recv *record.Value, allocRef func(*record.Value) int) []dap.Variable {
	if recv == nil {
		return []dap.Variable{}
	}
	if recv.Kind.Container() && recv.Len() > 0 {
		return expandValue(recv, allocRef)
	}
	return []dap.Variable{variable(name, name, recv, allocRef)}
}

// expandValue returns the children of a container value.
func expandValue(v *record.Value, allocRef func(*record.Value) int) []dap.Variable {
	var vars []dap.Variable
	switch v.Kind {
	case record.KindSeq, record.KindSet:
		for i, item := range v.Items {
			vars = append(vars, variable(fmt.Sprintf("[%d]", i), "", item, allocRef))
		}
	case record.KindMap:
		for _, p := range v.Pairs {
			vars = append(vars, variable(keyName(p.Key), "", p.Value, allocRef))
		}
	case record.KindObject:
		for _, f := range v.Fields {
			vars = append(vars, variable(f.Name, "", f.Value, allocRef))
		}
	}
	if vars == nil {
		vars = []dap.Variable{}
	}
	return vars
}

func variable(name, evaluateName string, v *record.Value, allocRef func(*record.Value) int) dap.Variable {
	dv := dap.Variable{
		Name:               name,
		EvaluateName:       evaluateName,
		Value:              v.String(),
		VariablesReference: allocRef(v),
	}
	if v == nil {
		return dv
	}
	dv.Type = v.Type
	switch v.Kind {
	case record.KindSeq, record.KindSet:
		dv.IndexedVariables = len(v.Items)
	case record.KindMap, record.KindObject:
		dv.NamedVariables = v.Len()
	}
	return dv
}

func keyName(k *record.Value) string {
	if k == nil {
		return "nil"
	}
	if s, ok := k.Scalar.(string); ok {
		return s
	}
	return k.String()
}
