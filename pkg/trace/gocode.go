package trace

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// parsedFile is one analyzed source file.
type parsedFile struct {
	fset *token.FileSet
	file *ast.File
}

type fileKey struct {
	path    string
	size    int64
	modTime int64
}

var parsed = mustCache(128)

func mustCache(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

func parseFile(path string) (*parsedFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fileKey{path: path, size: st.Size(), modTime: st.ModTime().UnixNano()}
	if v, ok := parsed.Get(key); ok {
		return v.(*parsedFile), nil
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	pf := &parsedFile{fset: fset, file: f}
	parsed.Add(key, pf)
	return pf, nil
}

// funcNode is a function declaration or literal.
type funcNode struct {
	decl *ast.FuncDecl
	lit  *ast.FuncLit
}

func (n funcNode) node() ast.Node {
	if n.decl != nil {
		return n.decl
	}
	return n.lit
}

func (n funcNode) typ() *ast.FuncType {
	if n.decl != nil {
		return n.decl.Type
	}
	return n.lit.Type
}

func (n funcNode) body() *ast.BlockStmt {
	if n.decl != nil {
		return n.decl.Body
	}
	return n.lit.Body
}

// funcPath is a runtime function name broken into the parts that locate
// it in source: pkg.(*Recv).Method.func1.2 has receiver Recv, function
// Method and closure path [1 2].
type funcPath struct {
	recv     string
	fn       string
	closures []int
}

func parseFuncName(name string) funcPath {
	rest := name
	if slash := strings.LastIndexByte(rest, '/'); slash >= 0 {
		rest = rest[slash+1:]
	}
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[dot+1:]
	}

	var segs []string
	for rest != "" {
		if strings.HasPrefix(rest, "(") {
			end := strings.IndexByte(rest, ')')
			if end < 0 {
				segs = append(segs, rest)
				break
			}
			segs = append(segs, rest[:end+1])
			rest = strings.TrimPrefix(rest[end+1:], ".")
			continue
		}
		seg, tail, _ := strings.Cut(rest, ".")
		segs = append(segs, seg)
		rest = tail
	}

	var p funcPath
	for i, seg := range segs {
		if seg == "" || wrapperSeg(seg) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(seg, "func")); err == nil && i > 0 {
			p.closures = append(p.closures, n)
			continue
		}
		if strings.HasPrefix(seg, "glob") && i == 0 {
			// Closures in package-level initializers
			p.fn = seg
			continue
		}
		seg = strings.Trim(seg, "(*)")
		if b := strings.IndexByte(seg, '['); b >= 0 {
			seg = seg[:b]
		}
		if p.fn == "" {
			p.fn = seg
		} else if p.recv == "" && len(p.closures) == 0 {
			p.recv, p.fn = p.fn, seg
		}
	}
	return p
}

// wrapperSeg reports whether seg names a compiler generated wrapper such
// as deferwrap1 or gowrap2. Wrappers have no source of their own.
func wrapperSeg(seg string) bool {
	for _, prefix := range []string{"deferwrap", "gowrap"} {
		if rest, ok := strings.CutPrefix(seg, prefix); ok {
			if _, err := strconv.Atoi(rest); err == nil {
				return true
			}
		}
	}
	return strings.Contains(seg, "-range")
}

func recvName(fd *ast.FuncDecl) string {
	if fd.Recv == nil || len(fd.Recv.List) == 0 {
		return ""
	}
	t := fd.Recv.List[0].Type
	for {
		switch x := t.(type) {
		case *ast.StarExpr:
			t = x.X
		case *ast.ParenExpr:
			t = x.X
		case *ast.IndexExpr:
			t = x.X
		case *ast.IndexListExpr:
			t = x.X
		case *ast.Ident:
			return x.Name
		default:
			return ""
		}
	}
}

// funcLits returns the function literals directly inside n, in source
// order, without descending into them.
func funcLits(n ast.Node) []*ast.FuncLit {
	switch x := n.(type) {
	case *ast.FuncDecl:
		if x.Body == nil {
			return nil
		}
		n = x.Body
	case *ast.FuncLit:
		n = x.Body
	}
	var out []*ast.FuncLit
	ast.Inspect(n, func(c ast.Node) bool {
		if lit, ok := c.(*ast.FuncLit); ok {
			out = append(out, lit)
			return false
		}
		return true
	})
	return out
}

// locate finds the function called name in pf. When the name does not
// resolve to a function spanning line, the innermost function containing
// line is used.
func (pf *parsedFile) locate(name string, line int) (funcNode, bool) {
	if n, ok := pf.byName(parseFuncName(name)); ok && (line <= 0 || pf.spans(n.node(), line)) {
		return n, true
	}
	return pf.byLine(line)
}

func (pf *parsedFile) spans(n ast.Node, line int) bool {
	return pf.fset.Position(n.Pos()).Line <= line && line <= pf.fset.Position(n.End()).Line
}

func (pf *parsedFile) byName(p funcPath) (funcNode, bool) {
	var cur funcNode
	if strings.HasPrefix(p.fn, "glob") && p.recv == "" {
		var lits []*ast.FuncLit
		for _, d := range pf.file.Decls {
			if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.VAR {
				lits = append(lits, funcLits(gd)...)
			}
		}
		if len(p.closures) == 0 || p.closures[0] < 1 || p.closures[0] > len(lits) {
			return funcNode{}, false
		}
		cur = funcNode{lit: lits[p.closures[0]-1]}
		p.closures = p.closures[1:]
	} else {
		for _, d := range pf.file.Decls {
			fd, ok := d.(*ast.FuncDecl)
			if ok && fd.Name.Name == p.fn && recvName(fd) == p.recv {
				cur = funcNode{decl: fd}
				break
			}
		}
		if cur.decl == nil {
			return funcNode{}, false
		}
	}
	for _, idx := range p.closures {
		lits := funcLits(cur.node())
		if idx < 1 || idx > len(lits) {
			return funcNode{}, false
		}
		cur = funcNode{lit: lits[idx-1]}
	}
	return cur, true
}

func (pf *parsedFile) byLine(line int) (funcNode, bool) {
	var best funcNode
	found := false
	ast.Inspect(pf.file, func(n ast.Node) bool {
		if n == nil {
			return false
		}
		if !pf.spans(n, line) {
			return false
		}
		switch x := n.(type) {
		case *ast.FuncDecl:
			best, found = funcNode{decl: x}, true
		case *ast.FuncLit:
			best, found = funcNode{lit: x}, true
		}
		return true
	})
	return best, found
}

// analyze describes fn.
func (pf *parsedFile) analyze(fn funcNode) CodeInfo {
	var info CodeInfo
	info.FirstLine = pf.fset.Position(fn.node().Pos()).Line
	info.LastLine = pf.fset.Position(fn.node().End()).Line

	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || name == "_" || seen[name] {
			return
		}
		seen[name] = true
		info.VarNames = append(info.VarNames, name)
	}

	if fn.decl != nil && fn.decl.Recv != nil {
		for _, f := range fn.decl.Recv.List {
			for _, n := range f.Names {
				info.Receiver = n.Name
				add(n.Name)
			}
		}
	}
	ft := fn.typ()
	if ft.Params != nil {
		for _, f := range ft.Params.List {
			if len(f.Names) == 0 {
				info.ArgCount++
			}
			for _, n := range f.Names {
				info.ArgCount++
				add(n.Name)
			}
		}
	}
	if ft.Results != nil {
		for _, f := range ft.Results.List {
			for _, n := range f.Names {
				add(n.Name)
			}
		}
	}

	body := fn.body()
	if body == nil {
		return info
	}
	lines := make(map[int]bool)
	ast.Inspect(body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.AssignStmt:
			if x.Tok == token.DEFINE {
				for _, lhs := range x.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						add(id.Name)
					}
				}
			}
		case *ast.ValueSpec:
			for _, id := range x.Names {
				add(id.Name)
			}
		case *ast.RangeStmt:
			if x.Tok == token.DEFINE {
				for _, e := range []ast.Expr{x.Key, x.Value} {
					if id, ok := e.(*ast.Ident); ok {
						add(id.Name)
					}
				}
			}
		}
		if stmt, ok := n.(ast.Stmt); ok {
			if _, block := stmt.(*ast.BlockStmt); !block {
				lines[pf.fset.Position(stmt.Pos()).Line] = true
			}
		}
		return true
	})
	for l := range lines {
		info.Lines = append(info.Lines, l)
	}
	sort.Ints(info.Lines)
	return info
}

// nested returns the names and lines of the literals directly inside fn.
func (pf *parsedFile) nested(fn funcNode, parent string) []sourceCode {
	lits := funcLits(fn.node())
	out := make([]sourceCode, 0, len(lits))
	for i, lit := range lits {
		suffix := fmt.Sprintf(".func%d", i+1)
		if fn.lit != nil {
			suffix = fmt.Sprintf(".%d", i+1)
		}
		out = append(out, sourceCode{
			file: pf.fset.Position(lit.Pos()).Filename,
			name: parent + suffix,
			line: pf.fset.Position(lit.Pos()).Line,
		})
	}
	return out
}

// sourceCode is a Code known only by location. Its analysis is read from
// the source file when asked for.
type sourceCode struct {
	file string
	name string
	line int
}

// SourceCode returns a Code for the function called name, defined in file
// around line.
func SourceCode(file, name string, line int) Code {
	return sourceCode{file: absPath(file), name: name, line: line}
}

func (c sourceCode) Filename() string { return c.file }

func (c sourceCode) Name() string { return c.name }

func (c sourceCode) Info() (CodeInfo, error) {
	pf, fn, err := c.resolve()
	if err != nil {
		return CodeInfo{}, err
	}
	return pf.analyze(fn), nil
}

func (c sourceCode) Nested() ([]Code, error) {
	pf, fn, err := c.resolve()
	if err != nil {
		return nil, err
	}
	var out []Code
	for _, n := range pf.nested(fn, c.name) {
		out = append(out, n)
	}
	return out, nil
}

func (c sourceCode) Bytecode() ([]byte, error) {
	return nil, fmt.Errorf("trace: no executable for %s", c.name)
}

func (c sourceCode) resolve() (*parsedFile, funcNode, error) {
	pf, err := parseFile(c.file)
	if err != nil {
		return nil, funcNode{}, err
	}
	fn, ok := pf.locate(c.name, c.line)
	if !ok {
		return nil, funcNode{}, fmt.Errorf("trace: %s not found in %s", c.name, c.file)
	}
	return pf, fn, nil
}
