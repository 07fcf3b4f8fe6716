//go:build linux

package unwind

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"openspy/internal/logging"
	"openspy/internal/proc"
)

// Unwinder unwinds native stacks using the eh_frame tables of every
// executable mapping in the target. Binaries are keyed by their end
// address for range lookup and cached until Reload.
type Unwinder struct {
	process  *proc.Process
	binaries []*binaryUnwind // sorted by end address
}

type binaryUnwind struct {
	address  uint64
	size     uint64
	offset   uint64 // load bias
	filename string
	hdr      *ehFrameHdr
	frame    *ehFrame
	symbols  *SymbolData
}

func (b *binaryUnwind) contains(addr uint64) bool {
	return addr >= b.address && addr < b.address+b.size
}

// NewUnwinder loads unwind tables for the target's current mappings.
func NewUnwinder(p *proc.Process) (*Unwinder, error) {
	u := &Unwinder{process: p}
	if err := u.Reload(); err != nil {
		return nil, err
	}
	return u, nil
}

// Reload re-walks the memory map and loads eh_frame info for any
// executable mapping not already cached. Called again when the native
// walk steps into an unknown module (dlopen happened since last time).
func (u *Unwinder) Reload() error {
	maps, err := u.process.Maps()
	if err != nil {
		return err
	}

	known := make(map[uint64]bool, len(u.binaries))
	for _, b := range u.binaries {
		known[b.address+b.size] = true
	}

	for i := range maps {
		m := &maps[i]
		if !m.Exec || m.Write || !m.Read || m.Filename == "" {
			continue
		}
		if known[m.End] {
			continue
		}
		if m.Filename == "[vsyscall]" {
			continue
		}

		// Read the image from disk, or from the target for vdso-like
		// regions with no backing file.
		var data []byte
		if _, err := os.Stat(m.Filename); err == nil {
			data, err = os.ReadFile(m.Filename)
			if err != nil {
				logging.Warnf("unwind: failed to read %s: %v", m.Filename, err)
				continue
			}
		} else {
			data, err = u.process.Copy(m.Start, int(m.Size()))
			if err != nil {
				logging.Warnf("unwind: failed to copy %s from target: %v", m.Filename, err)
				continue
			}
		}

		bin, err := loadBinaryUnwind(data, m)
		if err != nil {
			logging.Infof("unwind: skipping %s: %v", m.Filename, err)
			continue
		}
		u.binaries = append(u.binaries, bin)
	}

	sort.Slice(u.binaries, func(i, j int) bool {
		return u.binaries[i].address+u.binaries[i].size < u.binaries[j].address+u.binaries[j].size
	})
	return nil
}

func loadBinaryUnwind(data []byte, m *proc.MapRange) (*binaryUnwind, error) {
	f, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var execLoad *elf.Prog
	var ehFrameHdrProg *elf.Prog
	for _, prog := range f.Progs {
		switch {
		case prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 && execLoad == nil:
			execLoad = prog
		case prog.Type == elf.PT_GNU_EH_FRAME:
			ehFrameHdrProg = prog
		}
	}
	if execLoad == nil {
		return nil, fmt.Errorf("no executable PT_LOAD segment")
	}
	if ehFrameHdrProg == nil {
		return nil, fmt.Errorf("no eh_frame_hdr segment")
	}
	objBase := m.Start - execLoad.Vaddr

	hdrData := data[ehFrameHdrProg.Off : ehFrameHdrProg.Off+ehFrameHdrProg.Filesz]
	hdrAddr := objBase + ehFrameHdrProg.Vaddr
	hdr, err := parseEhFrameHdr(hdrData, hdrAddr)
	if err != nil {
		return nil, fmt.Errorf("bad eh_frame_hdr: %w", err)
	}

	// Find the eh_frame section backing the address the header points
	// at.
	var frame *ehFrame
	for _, section := range f.Sections {
		if section.Addr == hdr.frameAddr-objBase && section.Type != elf.SHT_NOBITS {
			raw := data[section.Offset : section.Offset+section.Size]
			frame = newEhFrame(raw, hdr.frameAddr)
			break
		}
	}
	if frame == nil {
		// Stripped section headers: fall back to the slice between the
		// header's pointer and the end of its load segment.
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD && hdr.frameAddr-objBase >= prog.Vaddr &&
				hdr.frameAddr-objBase < prog.Vaddr+prog.Filesz {
				off := prog.Off + (hdr.frameAddr - objBase - prog.Vaddr)
				frame = newEhFrame(data[off:prog.Off+prog.Filesz], hdr.frameAddr)
				break
			}
		}
	}
	if frame == nil {
		return nil, fmt.Errorf("no eh_frame section at %#x", hdr.frameAddr)
	}

	return &binaryUnwind{
		address:  m.Start,
		size:     m.Size(),
		offset:   objBase,
		filename: m.Filename,
		hdr:      hdr,
		frame:    frame,
	}, nil
}

func (u *Unwinder) getBinary(addr uint64) *binaryUnwind {
	idx := sort.Search(len(u.binaries), func(i int) bool {
		return u.binaries[i].address+u.binaries[i].size > addr
	})
	if idx < len(u.binaries) && u.binaries[idx].contains(addr) {
		return u.binaries[idx]
	}
	return nil
}

// Cursor iterates a thread's stack, yielding instruction pointers
// innermost first.
type Cursor struct {
	parent  *Unwinder
	regs    proc.Registers
	initial bool
}

// Cursor starts a walk from the thread's current registers. The thread
// must be suspended.
func (u *Unwinder) Cursor(t *proc.Thread) (*Cursor, error) {
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	return &Cursor{parent: u, regs: *regs, initial: true}, nil
}

// Bx returns the current rbx value; the interleaver uses it to recover
// the interpreter-level thread id from the outermost frames.
func (c *Cursor) Bx() uint64 { return c.regs.Rbx }

// Next returns the next instruction pointer, or done=true at the end of
// the stack.
func (c *Cursor) Next() (uint64, bool, error) {
	if c.initial {
		c.initial = false
		return c.regs.Rip, false, nil
	}
	if c.regs.Rip < minCodeAddr {
		return 0, true, nil
	}

	// pc-1: the return address points after the call instruction, which
	// can fall past the end of the caller's FDE.
	pc := c.regs.Rip - 1
	binary := c.parent.getBinary(pc)
	if binary == nil {
		return 0, false, &proc.NoBinaryForAddressError{Addr: pc}
	}

	fdeAddr, ok := binary.hdr.lookup(pc)
	if !ok {
		return 0, true, nil
	}
	f, err := binary.frame.fdeAt(fdeAddr - binary.frame.addr)
	if err != nil {
		return 0, false, err
	}
	if !f.contains(pc) {
		// Gaps in the search table mean no unwind info for this pc.
		return 0, true, nil
	}
	row, err := f.rowForPC(pc)
	if err != nil {
		return 0, false, err
	}

	old := c.regs
	ok, err = step(row, &c.regs, f.cie.returnAddrReg, c.parent.process)
	if err != nil || !ok {
		return 0, true, err
	}
	// No progress on both IP and SP means a broken chain; stop rather
	// than loop.
	if c.regs.Rip == old.Rip && c.regs.Rsp == old.Rsp {
		return 0, true, nil
	}
	if c.regs.Rip < minCodeAddr {
		return 0, true, nil
	}
	return c.regs.Rip, false, nil
}

// Symbolicate resolves an address to function/file/line, loading symbol
// data for the owning binary on first use.
func (u *Unwinder) Symbolicate(addr uint64, lineInfo bool, callback func(*StackFrame)) error {
	binary := u.getBinary(addr)
	if binary == nil {
		return &proc.NoBinaryForAddressError{Addr: addr}
	}
	if binary.filename == "[vdso]" {
		callback(&StackFrame{Addr: addr, Module: binary.filename})
		return nil
	}
	if binary.symbols == nil {
		logging.Infof("unwind: loading symbols from %s", binary.filename)
		symbols, err := NewSymbolData(binary.filename, binary.offset)
		if err != nil {
			// Keep a stub entry so we don't retry on every frame.
			binary.symbols = &SymbolData{module: binary.filename}
		} else {
			binary.symbols = symbols
		}
	}
	return binary.symbols.Symbolicate(addr, lineInfo, callback)
}

// bytesReaderAt adapts a byte slice for elf.NewFile.
func bytesReaderAt(data []byte) *sliceReaderAt {
	return &sliceReaderAt{data: data}
}

type sliceReaderAt struct {
	data []byte
}

func (r *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("read past end")
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read")
	}
	return n, nil
}
