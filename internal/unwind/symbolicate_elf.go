//go:build linux

package unwind

import (
	"debug/dwarf"
	"debug/elf"
	"sort"
)

// SymbolData resolves addresses inside one ELF binary: function names
// from the symbol tables, file/line from the DWARF line programs when
// debug info is present.
type SymbolData struct {
	module string
	offset uint64
	syms   []elfSym // sorted by address
	dwarf  *dwarf.Data
	lines  []lineEntry // flattened line table, sorted by address
}

type elfSym struct {
	addr uint64
	size uint64
	name string
}

type lineEntry struct {
	addr uint64
	file string
	line int
}

// NewSymbolData loads symbol and line info from a binary on disk.
// offset is the load bias to apply to link-time addresses.
func NewSymbolData(filename string, offset uint64) (*SymbolData, error) {
	f, err := elf.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &SymbolData{module: filename, offset: offset}

	addSyms := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Name == "" {
				continue
			}
			s.syms = append(s.syms, elfSym{addr: sym.Value + offset, size: sym.Size, name: sym.Name})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		addSyms(syms)
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		addSyms(dynsyms)
	}
	sort.Slice(s.syms, func(i, j int) bool { return s.syms[i].addr < s.syms[j].addr })

	// Line info is best-effort: most system libraries ship without it.
	if dw, err := f.DWARF(); err == nil {
		s.dwarf = dw
		s.loadLines()
	}
	return s, nil
}

func (s *SymbolData) loadLines() {
	reader := s.dwarf.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lr, err := s.dwarf.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			if le.File == nil || le.EndSequence {
				continue
			}
			s.lines = append(s.lines, lineEntry{
				addr: le.Address + s.offset,
				file: le.File.Name,
				line: le.Line,
			})
		}
		reader.SkipChildren()
	}
	sort.Slice(s.lines, func(i, j int) bool { return s.lines[i].addr < s.lines[j].addr })
}

// Symbolicate resolves addr within this binary.
func (s *SymbolData) Symbolicate(addr uint64, lineInfo bool, callback func(*StackFrame)) error {
	frame := StackFrame{Addr: addr, Module: s.module}

	idx := sort.Search(len(s.syms), func(i int) bool { return s.syms[i].addr > addr })
	if idx > 0 {
		sym := s.syms[idx-1]
		if sym.size == 0 || addr < sym.addr+sym.size {
			frame.Function = sym.name
		}
	}

	if lineInfo && len(s.lines) > 0 {
		lidx := sort.Search(len(s.lines), func(i int) bool { return s.lines[i].addr > addr })
		if lidx > 0 {
			frame.Filename = s.lines[lidx-1].file
			frame.Line = s.lines[lidx-1].line
		}
	}

	callback(&frame)
	return nil
}
