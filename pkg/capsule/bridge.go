package capsule

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	aliasMu sync.RWMutex
	aliases = make(map[string]string)
)

// RegisterModuleAlias makes documents produced by module from read as if
// they came from module to. Function names under from are renamed so that
// they match the code of the reading program.
func RegisterModuleAlias(from, to string) {
	if from == "" || from == to {
		return
	}
	aliasMu.Lock()
	aliases[from] = to
	aliasMu.Unlock()
}

// ModuleAliases returns the registered aliases.
func ModuleAliases() map[string]string {
	aliasMu.RLock()
	defer aliasMu.RUnlock()
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}

// applyAliases rewrites the producer module and every function name of
// doc whose import path falls under an aliased module.
func applyAliases(doc []byte) ([]byte, error) {
	table := ModuleAliases()
	if len(table) == 0 {
		return doc, nil
	}
	// Longest prefix first so nested modules win over their parents
	froms := make([]string, 0, len(table))
	for from := range table {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return len(froms[i]) > len(froms[j]) })

	rename := func(name string) (string, bool) {
		for _, from := range froms {
			if name == from || strings.HasPrefix(name, from+"/") || strings.HasPrefix(name, from+".") {
				return table[from] + name[len(from):], true
			}
		}
		return name, false
	}

	var err error
	if renamed, ok := rename(gjson.GetBytes(doc, "producer.module").String()); ok {
		if doc, err = sjson.SetBytes(doc, "producer.module", renamed); err != nil {
			return nil, err
		}
	}
	for i, name := range gjson.GetBytes(doc, "codes.#.name").Array() {
		renamed, ok := rename(name.String())
		if !ok {
			continue
		}
		if doc, err = sjson.SetBytes(doc, fmt.Sprintf("codes.%d.name", i), renamed); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Header is the part of a document that identifies it.
type Header struct {
	ID       string    `json:"id" yaml:"id"`
	Version  string    `json:"version" yaml:"version"`
	Created  time.Time `json:"created" yaml:"created"`
	Producer Producer  `json:"producer" yaml:"producer"`
	Message  string    `json:"message,omitempty" yaml:"message,omitempty"`
	Top      string    `json:"top,omitempty" yaml:"top,omitempty"`
	Frames   int       `json:"frames" yaml:"frames"`
	Files    []string  `json:"files,omitempty" yaml:"files,omitempty"`
}

// Peek reads the header of a document without rebuilding its records.
func Peek(r io.Reader) (Header, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Header{}, err
	}
	doc, err := Unwrap(data, currentConfig().Security)
	if err != nil {
		return Header{}, err
	}
	return PeekJSON(doc), nil
}

// PeekJSON extracts the header of an unwrapped document.
func PeekJSON(doc []byte) Header {
	res := gjson.GetManyBytes(doc, "id", "version", "created", "producer", "message", "stack", "files", "encoded")
	h := Header{
		ID:      res[0].String(),
		Version: res[1].String(),
		Created: res[2].Time(),
		Message: res[4].String(),
	}
	var encoded []string
	for _, f := range res[7].Array() {
		encoded = append(encoded, f.String())
	}
	if msg, err := plainText(h.Message, "message", encoded); err == nil {
		h.Message = msg
	}
	p := res[3]
	h.Producer = Producer{
		Module:    p.Get("module").String(),
		Binary:    p.Get("binary").String(),
		GoVersion: p.Get("go_version").String(),
		GOOS:      p.Get("goos").String(),
		GOARCH:    p.Get("goarch").String(),
		Host:      p.Get("host").String(),
		PID:       int(p.Get("pid").Int()),
	}
	res[6].ForEach(func(key, _ gjson.Result) bool {
		h.Files = append(h.Files, key.String())
		return true
	})
	sort.Strings(h.Files)

	// Follow the chain from its head to count links and find the top.
	stacks := gjson.GetBytes(doc, "stacks").Array()
	codes := gjson.GetBytes(doc, "codes").Array()
	frames := gjson.GetBytes(doc, "frames").Array()
	seen := make(map[int64]bool)
	for id := res[5].Int(); id > 0 && id <= int64(len(stacks)) && !seen[id]; id = stacks[id-1].Get("next").Int() {
		seen[id] = true
		h.Frames++
		fid := stacks[id-1].Get("frame").Int()
		if fid > 0 && fid <= int64(len(frames)) {
			cid := frames[fid-1].Get("code").Int()
			if cid > 0 && cid <= int64(len(codes)) {
				h.Top = codes[cid-1].Get("name").String()
			}
		}
	}
	return h
}
