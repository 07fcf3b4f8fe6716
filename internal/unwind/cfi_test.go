//go:build linux || darwin

package unwind

import (
	"encoding/binary"
	"testing"

	"openspy/internal/proc"
)

type stackMem struct {
	base uint64
	data []byte
}

func (m *stackMem) Copy(addr uint64, size int) ([]byte, error) {
	if addr < m.base || addr+uint64(size) > m.base+uint64(len(m.data)) {
		return nil, &proc.BadAddressError{Addr: addr, Size: size}
	}
	out := make([]byte, size)
	copy(out, m.data[addr-m.base:])
	return out, nil
}

func TestLEB128(t *testing.T) {
	r := &byteReader{data: []byte{0xe5, 0x8e, 0x26}}
	v, err := r.uleb()
	if err != nil {
		t.Fatal(err)
	}
	if v != 624485 {
		t.Errorf("uleb = %d, want 624485", v)
	}

	r = &byteReader{data: []byte{0x7f}}
	s, err := r.sleb()
	if err != nil {
		t.Fatal(err)
	}
	if s != -1 {
		t.Errorf("sleb = %d, want -1", s)
	}

	r = &byteReader{data: []byte{0x80, 0x7f}}
	s, err = r.sleb()
	if err != nil {
		t.Fatal(err)
	}
	if s != -128 {
		t.Errorf("sleb = %d, want -128", s)
	}
}

// buildTestCIE assembles the CIE contents gcc emits for straightforward
// x86-64 code: augmentation "zR", code align 1, data align -8, return
// address in register 16, and the standard initial rules
// (cfa = rsp+8, ra at cfa-8).
func buildTestCIE() []byte {
	return []byte{
		1,             // version
		'z', 'R', 0,   // augmentation
		1,             // code alignment
		0x78,          // data alignment: -8 (sleb)
		16,            // return address register
		1,             // augmentation data length
		0x1b,          // FDE encoding: pcrel | sdata4
		0x0c, 7, 8,    // DW_CFA_def_cfa rsp+8
		0x80 | 16, 1,  // DW_CFA_offset r16, cfa-8
	}
}

func TestParseCIE(t *testing.T) {
	c, err := parseCIE(buildTestCIE())
	if err != nil {
		t.Fatalf("parseCIE failed: %v", err)
	}
	if c.codeAlign != 1 {
		t.Errorf("codeAlign = %d", c.codeAlign)
	}
	if c.dataAlign != -8 {
		t.Errorf("dataAlign = %d", c.dataAlign)
	}
	if c.returnAddrReg != 16 {
		t.Errorf("returnAddrReg = %d", c.returnAddrReg)
	}
	if c.fdeEncoding != 0x1b {
		t.Errorf("fdeEncoding = %#x", c.fdeEncoding)
	}
}

func TestUnwindPrologueFrame(t *testing.T) {
	c, err := parseCIE(buildTestCIE())
	if err != nil {
		t.Fatal(err)
	}

	// The usual prologue: after "push rbp; mov rbp,rsp" the CFA is
	// rbp+16 and rbp is saved at cfa-16.
	f := &fde{
		begin:  0x401000,
		length: 0x100,
		cie:    c,
		program: []byte{
			0x41,         // DW_CFA_advance_loc 1 (past push rbp)
			0x0e, 16,     // DW_CFA_def_cfa_offset 16
			0x80 | 6, 2,  // DW_CFA_offset rbp, cfa-16
			0x44,         // DW_CFA_advance_loc 4 (past mov rbp,rsp)
			0x0d, 6,      // DW_CFA_def_cfa_register rbp
		},
	}

	row, err := f.rowForPC(0x401050)
	if err != nil {
		t.Fatalf("rowForPC failed: %v", err)
	}
	if row.cfa.reg != 6 || row.cfa.offset != 16 {
		t.Fatalf("cfa = reg %d offset %d, want rbp+16", row.cfa.reg, row.cfa.offset)
	}

	// Lay out a stack: [rbp] = saved rbp, [rbp+8] = return address.
	mem := &stackMem{base: 0x7ffc0000, data: make([]byte, 0x100)}
	binary.LittleEndian.PutUint64(mem.data[0x20:], 0x7ffc00f0) // saved rbp
	binary.LittleEndian.PutUint64(mem.data[0x28:], 0x401234)   // return addr

	regs := proc.Registers{Rip: 0x401050, Rsp: 0x7ffc0010, Rbp: 0x7ffc0020}
	ok, err := step(row, &regs, c.returnAddrReg, mem)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !ok {
		t.Fatal("step reported end of stack")
	}
	if regs.Rip != 0x401234 {
		t.Errorf("Rip = %#x, want 0x401234", regs.Rip)
	}
	// CFA = rbp+16
	if regs.Rsp != 0x7ffc0030 {
		t.Errorf("Rsp = %#x, want 0x7ffc0030", regs.Rsp)
	}
	if regs.Rbp != 0x7ffc00f0 {
		t.Errorf("Rbp = %#x, want 0x7ffc00f0", regs.Rbp)
	}
}

func TestRowStopsAtPC(t *testing.T) {
	c, err := parseCIE(buildTestCIE())
	if err != nil {
		t.Fatal(err)
	}
	f := &fde{
		begin:  0x1000,
		length: 0x100,
		cie:    c,
		program: []byte{
			0x41,     // advance to 0x1001
			0x0e, 16, // def_cfa_offset 16
		},
	}
	// At the very first instruction only the CIE's initial rules apply.
	row, err := f.rowForPC(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if row.cfa.offset != 8 {
		t.Errorf("cfa offset at entry = %d, want 8", row.cfa.offset)
	}
}

func TestEvalExpression(t *testing.T) {
	regs := proc.Registers{Rsp: 0x1000}
	// DW_OP_breg7 16: rsp + 16
	v, err := evalExpression([]byte{0x77, 16}, 0, &regs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1010 {
		t.Errorf("breg7 = %#x, want 0x1010", v)
	}

	// lit8 lit4 plus
	v, err = evalExpression([]byte{0x38, 0x34, 0x22}, 0, &regs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != 12 {
		t.Errorf("plus = %d, want 12", v)
	}
}
