package trace

import (
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"os"
	"sync"
)

type symbol struct {
	section *elf.Section
	addr    uint64
	size    uint64
}

var (
	symbolsOnce sync.Once
	symbols     map[string]symbol
	symbolsErr  error
)

// loadSymbols indexes the function symbols of the running executable.
// The file stays open for the life of the process so that sections can
// be read later. Binaries without a symbol table (test binaries, builds
// linked with -s) are indexed from the pclntab instead.
func loadSymbols() {
	exe, err := os.Executable()
	if err != nil {
		symbolsErr = err
		return
	}
	f, err := elf.Open(exe)
	if err != nil {
		symbolsErr = fmt.Errorf("trace: reading %s: %w", exe, err)
		return
	}
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		symbols, err = pclnSymbols(f)
		if err != nil {
			symbolsErr = fmt.Errorf("trace: pclntab of %s: %w", exe, err)
		}
		return
	}
	if err != nil {
		symbolsErr = fmt.Errorf("trace: symbols of %s: %w", exe, err)
		return
	}
	symbols = make(map[string]symbol, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || int(s.Section) >= len(f.Sections) {
			continue
		}
		symbols[s.Name] = symbol{section: f.Sections[s.Section], addr: s.Value, size: s.Size}
	}
}

// pclnSymbols indexes functions by the entry and end PCs the runtime's
// own line table records. Every Go binary carries it.
func pclnSymbols(f *elf.File) (map[string]symbol, error) {
	text := f.Section(".text")
	pcln := f.Section(".gopclntab")
	if text == nil || pcln == nil {
		return nil, errors.New("no .text or .gopclntab section")
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, err
	}
	var symtab []byte
	if s := f.Section(".gosymtab"); s != nil {
		if symtab, err = s.Data(); err != nil {
			return nil, err
		}
	}
	tab, err := gosym.NewTable(symtab, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil, err
	}
	out := make(map[string]symbol, len(tab.Funcs))
	for _, fn := range tab.Funcs {
		if fn.Sym == nil || fn.End <= fn.Entry || fn.Entry < text.Addr || fn.End > text.Addr+text.Size {
			continue
		}
		out[fn.Name] = symbol{section: text, addr: fn.Entry, size: fn.End - fn.Entry}
	}
	return out, nil
}

// readBytecode returns the machine code of the named function.
func readBytecode(name string) ([]byte, error) {
	symbolsOnce.Do(loadSymbols)
	if symbolsErr != nil {
		return nil, symbolsErr
	}
	s, ok := symbols[name]
	if !ok || s.size == 0 {
		return nil, fmt.Errorf("trace: no symbol for %s", name)
	}
	data := make([]byte, s.size)
	if _, err := s.section.ReadAt(data, int64(s.addr-s.section.Addr)); err != nil {
		return nil, fmt.Errorf("trace: reading %s: %w", name, err)
	}
	return data, nil
}
