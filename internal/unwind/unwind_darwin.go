//go:build darwin

package unwind

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"openspy/internal/logging"
	"openspy/internal/proc"
)

// Unwinder unwinds native stacks on macOS using each image's
// __unwind_info (compact unwind) section, falling back to its __eh_frame
// section for functions whose encoding says DWARF. Mach-O images carry
// no eh_frame_hdr, so the FDE table is built by a linear scan up front.
type Unwinder struct {
	process  *proc.Process
	binaries []*machBinary
}

type machBinary struct {
	address  uint64
	size     uint64
	bias     uint64 // load address - __TEXT vmaddr
	filename string

	unwindInfo []byte
	ehFrames   []*fde // sorted by begin
	symbols    []machSym
	symsLoaded bool
}

type machSym struct {
	addr uint64
	name string
}

func (b *machBinary) contains(addr uint64) bool {
	return addr >= b.address && addr < b.address+b.size
}

// NewUnwinder loads unwind tables for the target's current images.
func NewUnwinder(p *proc.Process) (*Unwinder, error) {
	u := &Unwinder{process: p}
	if err := u.Reload(); err != nil {
		return nil, err
	}
	return u, nil
}

// Reload re-walks the memory map, loading any image not already cached.
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
		if !m.Exec || m.Filename == "" || known[m.End] {
			continue
		}
		data, err := os.ReadFile(m.Filename)
		if err != nil {
			continue
		}
		bin, err := loadMachBinary(data, m)
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

func loadMachBinary(data []byte, m *proc.MapRange) (*machBinary, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		// FAT files: take the 64-bit slice.
		fat, fatErr := macho.NewFatFile(bytes.NewReader(data))
		if fatErr != nil {
			return nil, err
		}
		defer fat.Close()
		for i := range fat.Arches {
			if fat.Arches[i].Cpu == macho.CpuAmd64 || fat.Arches[i].Cpu == macho.CpuArm64 {
				f = fat.Arches[i].File
				break
			}
		}
		if f == nil {
			return nil, fmt.Errorf("no 64-bit slice")
		}
	}

	var textVmaddr uint64
	if seg := f.Segment("__TEXT"); seg != nil {
		textVmaddr = seg.Addr
	}
	bin := &machBinary{
		address:  m.Start,
		size:     m.Size(),
		bias:     m.Start - textVmaddr,
		filename: m.Filename,
	}

	if section := f.Section("__unwind_info"); section != nil {
		if raw, err := section.Data(); err == nil {
			bin.unwindInfo = raw
		}
	}
	if section := f.Section("__eh_frame"); section != nil {
		if raw, err := section.Data(); err == nil {
			frame := newEhFrame(raw, section.Addr+bin.bias)
			bin.ehFrames = frame.allFDEs()
		}
	}
	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			bin.symbols = append(bin.symbols, machSym{addr: sym.Value + bin.bias, name: sym.Name})
		}
		sort.Slice(bin.symbols, func(i, j int) bool { return bin.symbols[i].addr < bin.symbols[j].addr })
		bin.symsLoaded = true
	}
	if bin.unwindInfo == nil && bin.ehFrames == nil {
		return nil, fmt.Errorf("no unwind info")
	}
	return bin, nil
}

func (u *Unwinder) getBinary(addr uint64) *machBinary {
	idx := sort.Search(len(u.binaries), func(i int) bool {
		return u.binaries[i].address+u.binaries[i].size > addr
	})
	if idx < len(u.binaries) && u.binaries[idx].contains(addr) {
		return u.binaries[idx]
	}
	return nil
}

// Compact unwind encoding modes for x86_64.
const (
	unwindModeMask        = 0x0F000000
	unwindModeRBPFrame    = 0x01000000
	unwindModeStackImmd   = 0x02000000
	unwindModeStackInd    = 0x03000000
	unwindModeDwarf       = 0x04000000

	rbpFrameRegsMask   = 0x00007FFF
	rbpFrameOffsetMask = 0x00FF0000

	framelessStackSizeMask  = 0x00FF0000
	framelessStackAdjust    = 0x0000E000
	framelessRegCountMask   = 0x00001C00
	framelessRegPermMask    = 0x000003FF
	dwarfSectionOffsetMask  = 0x00FFFFFF
)

// Cursor iterates a thread's stack.
type Cursor struct {
	parent  *Unwinder
	regs    proc.Registers
	initial bool
}

// Cursor starts a walk from the thread's current registers.
func (u *Unwinder) Cursor(t *proc.Thread) (*Cursor, error) {
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	return &Cursor{parent: u, regs: *regs, initial: true}, nil
}

// Bx returns the current rbx value for thread-id recovery.
func (c *Cursor) Bx() uint64 { return c.regs.Rbx }

// Next returns the next instruction pointer, or done=true.
func (c *Cursor) Next() (uint64, bool, error) {
	if c.initial {
		c.initial = false
		return c.regs.Rip, false, nil
	}
	if c.regs.Rip < minCodeAddr {
		return 0, true, nil
	}

	pc := c.regs.Rip - 1
	binary := c.parent.getBinary(pc)
	if binary == nil {
		return 0, false, &proc.NoBinaryForAddressError{Addr: pc}
	}

	old := c.regs
	ok, err := binary.unwindOne(&c.regs, c.parent.process)
	if err != nil || !ok {
		return 0, true, err
	}
	if c.regs.Rip == old.Rip && c.regs.Rsp == old.Rsp {
		return 0, true, nil
	}
	if c.regs.Rip < minCodeAddr {
		return 0, true, nil
	}
	return c.regs.Rip, false, nil
}

// unwindOne applies one frame's unwind rule.
func (b *machBinary) unwindOne(regs *proc.Registers, mem proc.Memory) (bool, error) {
	pc := regs.Rip - 1
	encoding, funcStart, found := b.lookupEncoding(pc - b.bias)
	if !found {
		// Fall through to DWARF, or to a plain frame-pointer walk.
		return b.unwindDwarf(pc, regs, mem)
	}

	switch encoding & unwindModeMask {
	case unwindModeRBPFrame:
		return unwindRBPFrame(encoding, regs, mem)
	case unwindModeStackImmd, unwindModeStackInd:
		stackSize := uint64(encoding&framelessStackSizeMask) >> 16
		if encoding&unwindModeMask == unwindModeStackInd {
			// The stack size is the immediate of a subq at the given
			// offset into the function's prologue.
			subqOffset := stackSize
			value, err := proc.CopyUint32(mem, b.bias+funcStart+subqOffset)
			if err != nil {
				return false, err
			}
			stackSize = uint64(value)
		} else {
			stackSize *= 8
		}
		return unwindFrameless(encoding, stackSize, regs, mem)
	case unwindModeDwarf:
		return b.unwindDwarf(pc, regs, mem)
	}
	return false, nil
}

// lookupEncoding finds the compact unwind encoding covering a
// text-relative pc via the two-level index.
func (b *machBinary) lookupEncoding(pc uint64) (uint32, uint64, bool) {
	info := b.unwindInfo
	if len(info) < 28 {
		return 0, 0, false
	}
	u32 := func(off uint64) uint32 {
		if off+4 > uint64(len(info)) {
			return 0
		}
		return binary.LittleEndian.Uint32(info[off:])
	}

	commonOffset := uint64(u32(4))
	commonCount := u32(8)
	indexOffset := uint64(u32(20))
	indexCount := u32(24)
	if indexCount == 0 {
		return 0, 0, false
	}

	// First level: find the index entry whose functionOffset covers pc.
	const indexEntrySize = 12
	entry := -1
	for i := uint32(0); i+1 < indexCount; i++ {
		start := uint64(u32(indexOffset + uint64(i)*indexEntrySize))
		end := uint64(u32(indexOffset + uint64(i+1)*indexEntrySize))
		if pc >= start && pc < end {
			entry = int(i)
			break
		}
	}
	if entry < 0 {
		return 0, 0, false
	}
	firstLevelFuncOffset := uint64(u32(indexOffset + uint64(entry)*indexEntrySize))
	pageOffset := uint64(u32(indexOffset + uint64(entry)*indexEntrySize + 4))
	if pageOffset == 0 {
		return 0, 0, false
	}

	kind := u32(pageOffset)
	switch kind {
	case 2: // regular page
		count := u32(pageOffset+4) >> 16 & 0xffff
		entryOff := uint64(u32(pageOffset+4) & 0xffff)
		var bestEnc uint32
		var bestFunc uint64
		ok := false
		for i := uint32(0); i < count; i++ {
			off := pageOffset + entryOff + uint64(i)*8
			funcOff := uint64(u32(off))
			if funcOff <= pc {
				bestEnc = u32(off + 4)
				bestFunc = funcOff
				ok = true
			}
		}
		return bestEnc, bestFunc, ok
	case 3: // compressed page
		header := u32(pageOffset + 4)
		entryOff := uint64(header & 0xffff)
		count := header >> 16 & 0xffff
		encHeader := u32(pageOffset + 8)
		encOff := uint64(encHeader & 0xffff)
		encCount := encHeader >> 16 & 0xffff

		var bestEntry uint32
		ok := false
		for i := uint32(0); i < count; i++ {
			e := u32(pageOffset + entryOff + uint64(i)*4)
			funcOff := firstLevelFuncOffset + uint64(e&0x00FFFFFF)
			if funcOff <= pc {
				bestEntry = e
				ok = true
			}
		}
		if !ok {
			return 0, 0, false
		}
		encIndex := bestEntry >> 24
		var encoding uint32
		if encIndex < commonCount {
			encoding = u32(commonOffset + uint64(encIndex)*4)
		} else {
			encoding = u32(pageOffset + encOff + uint64(encIndex-commonCount)*4)
			_ = encCount
		}
		return encoding, firstLevelFuncOffset + uint64(bestEntry&0x00FFFFFF), true
	}
	return 0, 0, false
}

// Compact-unwind register numbers for the saved-register fields.
var compactRegs = []int{0, 3 /*RBX*/, 12, 13, 14, 15, 6 /*RBP*/}

// unwindRBPFrame handles the common prologue: push rbp; mov rbp, rsp.
func unwindRBPFrame(encoding uint32, regs *proc.Registers, mem proc.Memory) (bool, error) {
	savedOffset := uint64(encoding&rbpFrameOffsetMask) >> 16
	savedRegs := encoding & rbpFrameRegsMask

	// Saved registers sit below rbp at the recorded offset.
	savedAddr := regs.Rbp - savedOffset*8
	for i := 0; i < 5; i++ {
		regNum := savedRegs >> (i * 3) & 0x7
		if regNum != 0 && int(regNum) < len(compactRegs) {
			value, err := proc.CopyUint64(mem, savedAddr+uint64(i)*8)
			if err == nil {
				regs.Set(compactRegs[regNum], value)
			}
		}
	}

	rbp := regs.Rbp
	newRbp, err := proc.CopyUint64(mem, rbp)
	if err != nil {
		return false, err
	}
	returnAddr, err := proc.CopyUint64(mem, rbp+8)
	if err != nil {
		return false, err
	}
	regs.Rbp = newRbp
	regs.Rsp = rbp + 16
	regs.Rip = returnAddr
	return returnAddr != 0, nil
}

// unwindFrameless handles functions that only adjust rsp: the return
// address sits at the top of the fixed-size frame.
func unwindFrameless(encoding uint32, stackSize uint64, regs *proc.Registers, mem proc.Memory) (bool, error) {
	regCount := uint64(encoding&framelessRegCountMask) >> 10
	permutation := uint64(encoding & framelessRegPermMask)

	// Undo the permutation encoding to learn which registers were
	// pushed, in order.
	var perm [6]uint64
	switch regCount {
	case 6:
		perm[0] = permutation / 120
		permutation %= 120
		perm[1] = permutation / 24
		permutation %= 24
		perm[2] = permutation / 6
		permutation %= 6
		perm[3] = permutation / 2
		permutation %= 2
		perm[4] = permutation
		perm[5] = 0
	case 5:
		perm[0] = permutation / 120
		permutation %= 120
		perm[1] = permutation / 24
		permutation %= 24
		perm[2] = permutation / 6
		permutation %= 6
		perm[3] = permutation / 2
		perm[4] = permutation % 2
	case 4:
		perm[0] = permutation / 60
		permutation %= 60
		perm[1] = permutation / 12
		permutation %= 12
		perm[2] = permutation / 3
		perm[3] = permutation % 3
	case 3:
		perm[0] = permutation / 20
		permutation %= 20
		perm[1] = permutation / 4
		perm[2] = permutation % 4
	case 2:
		perm[0] = permutation / 5
		perm[1] = permutation % 5
	case 1:
		perm[0] = permutation
	}

	var used [7]bool
	var savedRegisters [6]int
	for i := uint64(0); i < regCount; i++ {
		renum := 0
		seen := uint64(0)
		for j := 1; j < 7; j++ {
			if !used[j] {
				if seen == perm[i] {
					renum = j
					used[j] = true
					break
				}
				seen++
			}
		}
		savedRegisters[i] = renum
	}

	// Registers were pushed just below the return address.
	savedAddr := regs.Rsp + stackSize - 8 - regCount*8
	for i := uint64(0); i < regCount; i++ {
		if savedRegisters[i] == 0 {
			continue
		}
		value, err := proc.CopyUint64(mem, savedAddr+i*8)
		if err == nil {
			regs.Set(compactRegs[savedRegisters[i]], value)
		}
	}

	returnAddr, err := proc.CopyUint64(mem, regs.Rsp+stackSize-8)
	if err != nil {
		return false, err
	}
	regs.Rsp += stackSize
	regs.Rip = returnAddr
	return returnAddr != 0, nil
}

// unwindDwarf falls back to the image's eh_frame FDE table.
func (b *machBinary) unwindDwarf(pc uint64, regs *proc.Registers, mem proc.Memory) (bool, error) {
	if len(b.ehFrames) == 0 {
		// Last resort: assume a conventional rbp chain.
		if regs.Rbp == 0 {
			return false, nil
		}
		return unwindRBPFrame(0, regs, mem)
	}
	idx := sort.Search(len(b.ehFrames), func(i int) bool { return b.ehFrames[i].begin > pc })
	if idx == 0 {
		return false, nil
	}
	f := b.ehFrames[idx-1]
	if !f.contains(pc) {
		return false, nil
	}
	row, err := f.rowForPC(pc)
	if err != nil {
		return false, err
	}
	return step(row, regs, f.cie.returnAddrReg, mem)
}

// Symbolicate resolves an address to the nearest symbol in the owning
// image.
func (u *Unwinder) Symbolicate(addr uint64, lineInfo bool, callback func(*StackFrame)) error {
	binary := u.getBinary(addr)
	if binary == nil {
		return &proc.NoBinaryForAddressError{Addr: addr}
	}
	frame := StackFrame{Addr: addr, Module: binary.filename}
	idx := sort.Search(len(binary.symbols), func(i int) bool { return binary.symbols[i].addr > addr })
	if idx > 0 {
		name := binary.symbols[idx-1].name
		// strip the Mach-O leading underscore
		if len(name) > 1 && name[0] == '_' {
			name = name[1:]
		}
		frame.Function = name
	}
	callback(&frame)
	return nil
}
