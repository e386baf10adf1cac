package capsule

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/willibrandon/chronodump/pkg/record"
)

// The document flattens the record graph into four tables. References
// are 1-based indexes into the matching table; 0 is nil. Records reached
// more than once are stored once, so shared identity and cycles survive.
type document struct {
	ID       uuid.UUID         `json:"id"`
	Version  string            `json:"version"`
	Created  time.Time         `json:"created"`
	Producer Producer          `json:"producer"`
	Message  string            `json:"message,omitempty"`
	Encoded  []string          `json:"encoded,omitempty"`
	Error    int               `json:"error,omitempty"`
	Stack    int               `json:"stack"`
	Files    map[string]string `json:"files,omitempty"`
	Values   []wireValue       `json:"values"`
	Codes    []wireCode        `json:"codes"`
	Frames   []wireFrame       `json:"frames"`
	Stacks   []wireStack       `json:"stacks"`
}

type wireValue struct {
	Kind   record.Kind     `json:"kind"`
	Type   string          `json:"type,omitempty"`
	Scalar json.RawMessage `json:"scalar,omitempty"`
	Items  []int           `json:"items,omitempty"`
	Pairs  [][2]int        `json:"pairs,omitempty"`
	Fields []wireField     `json:"fields,omitempty"`
	Repr   string          `json:"repr,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`

	// Encoded names the text fields stored base64-encoded.
	Encoded []string `json:"encoded,omitempty"`
}

type wireField struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type wireCode struct {
	Filename  string            `json:"filename"`
	Name      string            `json:"name"`
	Receiver  string            `json:"receiver,omitempty"`
	ArgCount  int               `json:"argcount"`
	FirstLine int               `json:"firstline"`
	LastLine  int               `json:"lastline"`
	Lines     []int             `json:"lines,omitempty"`
	VarNames  []string          `json:"varnames,omitempty"`
	Nested    []int             `json:"nested,omitempty"`
	Bytecode  []byte            `json:"bytecode,omitempty"`
	Faults    map[string]string `json:"faults,omitempty"`
}

type wireFrame struct {
	Code      int               `json:"code"`
	Line      int               `json:"line"`
	Locals    map[string]int    `json:"locals,omitempty"`
	Globals   map[string]int    `json:"globals,omitempty"`
	Receiver  string            `json:"receiver,omitempty"`
	Goroutine int64             `json:"goroutine,omitempty"`
	Back      int               `json:"back,omitempty"`
	Faults    map[string]string `json:"faults,omitempty"`
}

type wireStack struct {
	Frame int `json:"frame"`
	Line  int `json:"line"`
	Next  int `json:"next,omitempty"`
}

type encoder struct {
	doc    *document
	values map[*record.Value]int
	codes  map[*record.CodeRecord]int
	frames map[*record.FrameRecord]int
	stacks map[*record.StackRecord]int
}

func encode(c *Capsule) (*document, error) {
	e := &encoder{
		doc: &document{
			ID:       c.ID,
			Version:  c.Version,
			Created:  c.Created,
			Producer: c.Producer,
			Files:    c.Files,
			Values:   []wireValue{},
			Codes:    []wireCode{},
			Frames:   []wireFrame{},
			Stacks:   []wireStack{},
		},
		values: make(map[*record.Value]int),
		codes:  make(map[*record.CodeRecord]int),
		frames: make(map[*record.FrameRecord]int),
		stacks: make(map[*record.StackRecord]int),
	}
	e.doc.Message = wireText(c.Message, "message", &e.doc.Encoded)
	var err error
	if e.doc.Error, err = e.value(c.Error); err != nil {
		return nil, err
	}
	if e.doc.Stack, err = e.stack(c.Stack); err != nil {
		return nil, err
	}
	return e.doc, nil
}

func (e *encoder) stack(s *record.StackRecord) (int, error) {
	if s == nil {
		return 0, nil
	}
	if id, ok := e.stacks[s]; ok {
		return id, nil
	}
	// Links are appended in chain order without recursion so long chains
	// stay off the Go stack.
	first := len(e.doc.Stacks) + 1
	var links []*record.StackRecord
	for l := s; l != nil; l = l.Next {
		if _, ok := e.stacks[l]; ok {
			break
		}
		e.stacks[l] = len(e.doc.Stacks) + 1
		e.doc.Stacks = append(e.doc.Stacks, wireStack{})
		links = append(links, l)
	}
	for _, l := range links {
		fid, err := e.frame(l.Frame)
		if err != nil {
			return 0, err
		}
		ws := wireStack{Frame: fid, Line: l.Line}
		if l.Next != nil {
			ws.Next = e.stacks[l.Next]
		}
		e.doc.Stacks[e.stacks[l]-1] = ws
	}
	return first, nil
}

func (e *encoder) frame(f *record.FrameRecord) (int, error) {
	if f == nil {
		return 0, nil
	}
	if id, ok := e.frames[f]; ok {
		return id, nil
	}
	var chain []*record.FrameRecord
	for b := f; b != nil; b = b.Back {
		if _, ok := e.frames[b]; ok {
			break
		}
		e.frames[b] = len(e.doc.Frames) + 1
		e.doc.Frames = append(e.doc.Frames, wireFrame{})
		chain = append(chain, b)
	}
	for _, b := range chain {
		wf := wireFrame{
			Line:      b.Line,
			Receiver:  b.Receiver,
			Goroutine: b.Goroutine,
			Faults:    b.Faults,
		}
		var err error
		if wf.Code, err = e.code(b.Code); err != nil {
			return 0, err
		}
		if wf.Locals, err = e.bindings(b.Locals); err != nil {
			return 0, err
		}
		if wf.Globals, err = e.bindings(b.Globals); err != nil {
			return 0, err
		}
		if b.Back != nil {
			wf.Back = e.frames[b.Back]
		}
		e.doc.Frames[e.frames[b]-1] = wf
	}
	return e.frames[f], nil
}

// bindings skips builtins: they belong to the environment, not the
// capture, and are injected again on load.
func (e *encoder) bindings(m map[string]*record.Value) (map[string]int, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(m))
	for name, v := range m {
		if v != nil && v.Kind == record.KindBuiltin {
			continue
		}
		id, err := e.value(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = id
	}
	return out, nil
}

func (e *encoder) code(c *record.CodeRecord) (int, error) {
	if c == nil {
		return 0, nil
	}
	if id, ok := e.codes[c]; ok {
		return id, nil
	}
	id := len(e.doc.Codes) + 1
	e.codes[c] = id
	e.doc.Codes = append(e.doc.Codes, wireCode{})

	wc := wireCode{
		Filename:  c.Filename,
		Name:      c.Name,
		Receiver:  c.Receiver,
		ArgCount:  c.ArgCount,
		FirstLine: c.FirstLine,
		LastLine:  c.LastLine,
		Lines:     c.Lines,
		VarNames:  c.VarNames,
		Bytecode:  c.Bytecode,
		Faults:    c.Faults,
	}
	for _, n := range c.Nested {
		nid, err := e.code(n)
		if err != nil {
			return 0, err
		}
		wc.Nested = append(wc.Nested, nid)
	}
	e.doc.Codes[id-1] = wc
	return id, nil
}

func (e *encoder) value(v *record.Value) (int, error) {
	if v == nil {
		return 0, nil
	}
	if id, ok := e.values[v]; ok {
		return id, nil
	}
	id := len(e.doc.Values) + 1
	e.values[v] = id
	e.doc.Values = append(e.doc.Values, wireValue{})

	wv := wireValue{Kind: v.Kind, Raw: v.Raw}
	wv.Type = wireText(v.Type, "type", &wv.Encoded)
	wv.Repr = wireText(v.Repr, "repr", &wv.Encoded)
	if v.Kind.Scalar() && v.Kind != record.KindNil {
		x := v.Scalar
		if str, ok := x.(string); ok && v.Kind == record.KindString {
			x = wireText(str, "scalar", &wv.Encoded)
		}
		raw, err := encodeScalar(v.Kind, x)
		if err != nil {
			return 0, err
		}
		wv.Scalar = raw
	}
	for _, it := range v.Items {
		iid, err := e.value(it)
		if err != nil {
			return 0, err
		}
		wv.Items = append(wv.Items, iid)
	}
	for _, p := range v.Pairs {
		kid, err := e.value(p.Key)
		if err != nil {
			return 0, err
		}
		vid, err := e.value(p.Value)
		if err != nil {
			return 0, err
		}
		wv.Pairs = append(wv.Pairs, [2]int{kid, vid})
	}
	for _, f := range v.Fields {
		fid, err := e.value(f.Value)
		if err != nil {
			return 0, err
		}
		wv.Fields = append(wv.Fields, wireField{Name: f.Name, Value: fid})
	}
	e.doc.Values[id-1] = wv
	return id, nil
}

// JSON replaces invalid UTF-8 with U+FFFD, so such text travels
// base64-encoded and its field is named in encoded.
func wireText(s, field string, encoded *[]string) string {
	if utf8.ValidString(s) {
		return s
	}
	*encoded = append(*encoded, field)
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func plainText(s, field string, encoded []string) (string, error) {
	if !slices.Contains(encoded, field) {
		return s, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%s: %v", field, err)
	}
	return string(b), nil
}

// Numbers travel as strings so that 64-bit integers and non-finite
// floats survive JSON.
func encodeScalar(kind record.Kind, x any) (json.RawMessage, error) {
	var out any
	switch kind {
	case record.KindBool, record.KindString, record.KindBytes:
		out = x
	case record.KindInt:
		n, ok := x.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: int scalar holds %T", ErrBadFormat, x)
		}
		out = strconv.FormatInt(n, 10)
	case record.KindUint:
		n, ok := x.(uint64)
		if !ok {
			return nil, fmt.Errorf("%w: uint scalar holds %T", ErrBadFormat, x)
		}
		out = strconv.FormatUint(n, 10)
	case record.KindFloat:
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: float scalar holds %T", ErrBadFormat, x)
		}
		out = strconv.FormatFloat(f, 'g', -1, 64)
	case record.KindComplex:
		c, ok := x.(complex128)
		if !ok {
			return nil, fmt.Errorf("%w: complex scalar holds %T", ErrBadFormat, x)
		}
		out = strconv.FormatComplex(c, 'g', -1, 128)
	case record.KindTime:
		t, ok := x.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: time scalar holds %T", ErrBadFormat, x)
		}
		out = t.Format(time.RFC3339Nano)
	case record.KindDuration:
		d, ok := x.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("%w: duration scalar holds %T", ErrBadFormat, x)
		}
		out = strconv.FormatInt(int64(d), 10)
	default:
		return nil, nil
	}
	return json.Marshal(out)
}

func decodeScalar(kind record.Kind, raw json.RawMessage) (any, error) {
	if kind == record.KindNil {
		return nil, nil
	}
	switch kind {
	case record.KindBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case record.KindBytes:
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	switch kind {
	case record.KindString:
		return s, nil
	case record.KindInt:
		return strconv.ParseInt(s, 10, 64)
	case record.KindUint:
		return strconv.ParseUint(s, 10, 64)
	case record.KindFloat:
		return strconv.ParseFloat(s, 64)
	case record.KindComplex:
		return strconv.ParseComplex(s, 128)
	case record.KindTime:
		return time.Parse(time.RFC3339Nano, s)
	case record.KindDuration:
		n, err := strconv.ParseInt(s, 10, 64)
		return time.Duration(n), err
	}
	return nil, fmt.Errorf("unknown scalar kind %q", kind)
}

type decoder struct {
	doc    *document
	values []*record.Value
	codes  []*record.CodeRecord
	frames []*record.FrameRecord
	stacks []*record.StackRecord
}

// decode rebuilds the record graph. Every record is allocated before any
// is filled so references may point forward or back.
func decode(doc *document) (*Capsule, error) {
	d := &decoder{
		doc:    doc,
		values: make([]*record.Value, len(doc.Values)),
		codes:  make([]*record.CodeRecord, len(doc.Codes)),
		frames: make([]*record.FrameRecord, len(doc.Frames)),
		stacks: make([]*record.StackRecord, len(doc.Stacks)),
	}
	for i := range d.values {
		d.values[i] = &record.Value{}
	}
	for i, wc := range doc.Codes {
		d.codes[i] = record.NewCode(wc.Filename, wc.Name)
	}
	for i := range d.frames {
		d.frames[i] = record.NewFrame()
	}
	for i := range d.stacks {
		d.stacks[i] = record.NewStack()
	}

	if err := d.fillValues(); err != nil {
		return nil, err
	}
	if err := d.fillCodes(); err != nil {
		return nil, err
	}
	if err := d.fillFrames(); err != nil {
		return nil, err
	}
	if err := d.fillStacks(); err != nil {
		return nil, err
	}

	c := &Capsule{
		ID:       doc.ID,
		Version:  doc.Version,
		Created:  doc.Created,
		Producer: doc.Producer,
		Message:  doc.Message,
		Files:    doc.Files,
	}
	if c.Files == nil {
		c.Files = make(map[string]string)
	}
	var err error
	if c.Message, err = plainText(doc.Message, "message", doc.Encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if c.Error, err = d.value(doc.Error); err != nil {
		return nil, err
	}
	if c.Stack, err = d.stack(doc.Stack); err != nil {
		return nil, err
	}
	return c, nil
}

func ref[T any](table []T, id int, what string) (T, error) {
	var zero T
	if id == 0 {
		return zero, nil
	}
	if id < 0 || id > len(table) {
		return zero, fmt.Errorf("%w: %s reference %d out of range", ErrBadFormat, what, id)
	}
	return table[id-1], nil
}

func (d *decoder) value(id int) (*record.Value, error)       { return ref(d.values, id, "value") }
func (d *decoder) code(id int) (*record.CodeRecord, error)   { return ref(d.codes, id, "code") }
func (d *decoder) frame(id int) (*record.FrameRecord, error) { return ref(d.frames, id, "frame") }
func (d *decoder) stack(id int) (*record.StackRecord, error) { return ref(d.stacks, id, "stack") }

func (d *decoder) fillValues() error {
	for i, wv := range d.doc.Values {
		v := d.values[i]
		v.Kind, v.Raw = wv.Kind, wv.Raw
		var err error
		if v.Type, err = plainText(wv.Type, "type", wv.Encoded); err != nil {
			return fmt.Errorf("%w: value %d: %v", ErrBadFormat, i+1, err)
		}
		if v.Repr, err = plainText(wv.Repr, "repr", wv.Encoded); err != nil {
			return fmt.Errorf("%w: value %d: %v", ErrBadFormat, i+1, err)
		}
		if wv.Kind.Scalar() {
			x, err := decodeScalar(wv.Kind, wv.Scalar)
			if err == nil && wv.Kind == record.KindString {
				x, err = plainText(x.(string), "scalar", wv.Encoded)
			}
			if err != nil {
				return fmt.Errorf("%w: value %d: %v", ErrBadFormat, i+1, err)
			}
			v.Scalar = x
		}
		for _, id := range wv.Items {
			it, err := d.value(id)
			if err != nil {
				return err
			}
			v.Items = append(v.Items, it)
		}
		for _, p := range wv.Pairs {
			k, err := d.value(p[0])
			if err != nil {
				return err
			}
			val, err := d.value(p[1])
			if err != nil {
				return err
			}
			v.Pairs = append(v.Pairs, record.Pair{Key: k, Value: val})
		}
		for _, f := range wv.Fields {
			fv, err := d.value(f.Value)
			if err != nil {
				return err
			}
			v.Fields = append(v.Fields, record.Field{Name: f.Name, Value: fv})
		}
	}
	return nil
}

func (d *decoder) fillCodes() error {
	for i, wc := range d.doc.Codes {
		c := d.codes[i]
		c.Receiver = wc.Receiver
		c.ArgCount = wc.ArgCount
		c.FirstLine = wc.FirstLine
		c.LastLine = wc.LastLine
		c.Lines = wc.Lines
		c.VarNames = wc.VarNames
		c.Bytecode = wc.Bytecode
		c.Faults = wc.Faults
		for _, id := range wc.Nested {
			n, err := d.code(id)
			if err != nil {
				return err
			}
			c.Nested = append(c.Nested, n)
		}
	}
	return nil
}

func (d *decoder) fillFrames() error {
	for i, wf := range d.doc.Frames {
		f := d.frames[i]
		f.Line = wf.Line
		f.Receiver = wf.Receiver
		f.Goroutine = wf.Goroutine
		f.Faults = wf.Faults
		var err error
		if f.Code, err = d.code(wf.Code); err != nil {
			return err
		}
		if f.Back, err = d.frame(wf.Back); err != nil {
			return err
		}
		for name, id := range wf.Locals {
			if f.Locals[name], err = d.value(id); err != nil {
				return err
			}
		}
		for name, id := range wf.Globals {
			if f.Globals[name], err = d.value(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *decoder) fillStacks() error {
	for i, ws := range d.doc.Stacks {
		s := d.stacks[i]
		s.Line = ws.Line
		var err error
		if s.Frame, err = d.frame(ws.Frame); err != nil {
			return err
		}
		if s.Next, err = d.stack(ws.Next); err != nil {
			return err
		}
	}
	return nil
}
