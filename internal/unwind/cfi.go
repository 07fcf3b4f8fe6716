// Package unwind walks native hardware stacks of a suspended target:
// DWARF call-frame information (eh_frame) on Linux, compact unwind info
// with an eh_frame fallback on macOS, and StackWalk64 on Windows. It
// also symbolicates the resulting instruction pointers.
package unwind

import (
	"encoding/binary"
	"fmt"

	"openspy/internal/proc"
)

// ruleKind enumerates the DWARF register recovery rules a CFI program
// can produce for one table row.
type ruleKind int

const (
	ruleUndefined ruleKind = iota
	ruleSameValue
	ruleOffset    // value saved at CFA+offset
	ruleValOffset // value is CFA+offset
	ruleRegister  // value lives in another register
	ruleExpression
	ruleValExpression
)

type regRule struct {
	kind   ruleKind
	offset int64
	reg    int
	expr   []byte
}

// cfaRule describes how to compute the canonical frame address.
type cfaRule struct {
	reg    int
	offset int64
	expr   []byte // non-nil for DW_CFA_def_cfa_expression
}

// unwindRow is the CFI table row covering one pc.
type unwindRow struct {
	cfa   cfaRule
	rules map[int]regRule
}

// cie holds the fields of a common information entry needed to run its
// FDEs' programs.
type cie struct {
	codeAlign       uint64
	dataAlign       int64
	returnAddrReg   int
	fdeEncoding     byte
	initialProgram  []byte
	augmentationLen bool // augmentation started with 'z'
}

// fde is one frame description entry.
type fde struct {
	begin   uint64
	length  uint64
	cie     *cie
	program []byte
}

func (f *fde) contains(pc uint64) bool {
	return pc >= f.begin && pc < f.begin+f.length
}

// DWARF pointer encodings (eh_frame flavor).
const (
	encOmit    = 0xff
	encAbsptr  = 0x00
	encUleb128 = 0x01
	encUdata2  = 0x02
	encUdata4  = 0x03
	encUdata8  = 0x04
	encSleb128 = 0x09
	encSdata2  = 0x0a
	encSdata4  = 0x0b
	encSdata8  = 0x0c

	encPcrel   = 0x10
	encTextrel = 0x20
	encDatarel = 0x30
	encIndirect = 0x80
)

// byteReader walks a byte slice with bounds checking.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) remaining() int { return len(r.data) - r.pos }

func (r *byteReader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unwind: truncated data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unwind: truncated data")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("unwind: uleb128 overflow")
		}
	}
}

func (r *byteReader) sleb() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("unwind: sleb128 overflow")
		}
	}
}

// readEncoded reads a pointer with the given eh_frame encoding. cur is
// the address the bytes being read live at, for pcrel adjustments.
func (r *byteReader) readEncoded(enc byte, cur, dataBase uint64) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	base := uint64(0)
	switch enc & 0x70 {
	case encPcrel:
		base = cur + uint64(r.pos)
	case encDatarel:
		base = dataBase
	}

	var value uint64
	switch enc & 0x0f {
	case encAbsptr, encUdata8, encSdata8:
		v, err := r.u64()
		if err != nil {
			return 0, err
		}
		value = v
	case encUdata4:
		v, err := r.u32()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	case encSdata4:
		v, err := r.u32()
		if err != nil {
			return 0, err
		}
		value = uint64(int64(int32(v)))
	case encUdata2:
		v, err := r.u16()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	case encSdata2:
		v, err := r.u16()
		if err != nil {
			return 0, err
		}
		value = uint64(int64(int16(v)))
	case encUleb128:
		v, err := r.uleb()
		if err != nil {
			return 0, err
		}
		value = v
	case encSleb128:
		v, err := r.sleb()
		if err != nil {
			return 0, err
		}
		value = uint64(v)
	default:
		return 0, fmt.Errorf("unwind: unhandled pointer encoding %#x", enc)
	}
	return base + value, nil
}

// Note on readEncoded: pcrel bases on the position BEFORE the value is
// consumed, so the helper computes it up front.

// parseCIE parses a common information entry from its contents (after
// the length and id words).
func parseCIE(data []byte) (*cie, error) {
	r := &byteReader{data: data}
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 && version != 4 {
		return nil, fmt.Errorf("unwind: unsupported CIE version %d", version)
	}

	var augmentation []byte
	for {
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			break
		}
		augmentation = append(augmentation, b)
	}

	if version == 4 {
		// address_size, segment_selector_size
		if _, err := r.bytes(2); err != nil {
			return nil, err
		}
	}

	c := &cie{fdeEncoding: encAbsptr}
	if c.codeAlign, err = r.uleb(); err != nil {
		return nil, err
	}
	if c.dataAlign, err = r.sleb(); err != nil {
		return nil, err
	}
	if version == 1 {
		ra, err := r.u8()
		if err != nil {
			return nil, err
		}
		c.returnAddrReg = int(ra)
	} else {
		ra, err := r.uleb()
		if err != nil {
			return nil, err
		}
		c.returnAddrReg = int(ra)
	}

	if len(augmentation) > 0 && augmentation[0] == 'z' {
		c.augmentationLen = true
		augLen, err := r.uleb()
		if err != nil {
			return nil, err
		}
		aug, err := r.bytes(int(augLen))
		if err != nil {
			return nil, err
		}
		ar := &byteReader{data: aug}
		for _, ch := range augmentation[1:] {
			switch ch {
			case 'R':
				enc, err := ar.u8()
				if err != nil {
					return nil, err
				}
				c.fdeEncoding = enc
			case 'P':
				enc, err := ar.u8()
				if err != nil {
					return nil, err
				}
				if _, err := ar.readEncoded(enc, 0, 0); err != nil {
					return nil, err
				}
			case 'L':
				if _, err := ar.u8(); err != nil {
					return nil, err
				}
			case 'S':
				// signal frame; no data
			}
		}
	}

	c.initialProgram = data[r.pos:]
	return c, nil
}

// runProgram interprets CFA instructions, mutating row, until the row's
// location advances past pc.
func runProgram(program []byte, c *cie, pc uint64, loc *uint64, row *unwindRow, initial map[int]regRule) error {
	r := &byteReader{data: program}
	var stack []unwindRow

	for r.remaining() > 0 {
		if *loc > pc {
			return nil
		}
		op, err := r.u8()
		if err != nil {
			return err
		}

		switch {
		case op&0xc0 == 0x40: // DW_CFA_advance_loc
			*loc += uint64(op&0x3f) * c.codeAlign
		case op&0xc0 == 0x80: // DW_CFA_offset
			offset, err := r.uleb()
			if err != nil {
				return err
			}
			row.rules[int(op&0x3f)] = regRule{kind: ruleOffset, offset: int64(offset) * c.dataAlign}
		case op&0xc0 == 0xc0: // DW_CFA_restore
			reg := int(op & 0x3f)
			if rule, ok := initial[reg]; ok {
				row.rules[reg] = rule
			} else {
				delete(row.rules, reg)
			}
		default:
			switch op {
			case 0x00: // DW_CFA_nop
			case 0x01: // DW_CFA_set_loc
				v, err := r.readEncoded(c.fdeEncoding, 0, 0)
				if err != nil {
					return err
				}
				*loc = v
			case 0x02: // DW_CFA_advance_loc1
				d, err := r.u8()
				if err != nil {
					return err
				}
				*loc += uint64(d) * c.codeAlign
			case 0x03: // DW_CFA_advance_loc2
				d, err := r.u16()
				if err != nil {
					return err
				}
				*loc += uint64(d) * c.codeAlign
			case 0x04: // DW_CFA_advance_loc4
				d, err := r.u32()
				if err != nil {
					return err
				}
				*loc += uint64(d) * c.codeAlign
			case 0x05: // DW_CFA_offset_extended
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				offset, err := r.uleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleOffset, offset: int64(offset) * c.dataAlign}
			case 0x06: // DW_CFA_restore_extended
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				if rule, ok := initial[int(reg)]; ok {
					row.rules[int(reg)] = rule
				} else {
					delete(row.rules, int(reg))
				}
			case 0x07: // DW_CFA_undefined
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleUndefined}
			case 0x08: // DW_CFA_same_value
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleSameValue}
			case 0x09: // DW_CFA_register
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				src, err := r.uleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleRegister, reg: int(src)}
			case 0x0a: // DW_CFA_remember_state
				saved := unwindRow{cfa: row.cfa, rules: make(map[int]regRule, len(row.rules))}
				for k, v := range row.rules {
					saved.rules[k] = v
				}
				stack = append(stack, saved)
			case 0x0b: // DW_CFA_restore_state
				if len(stack) == 0 {
					return fmt.Errorf("unwind: restore_state with empty stack")
				}
				saved := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				row.cfa = saved.cfa
				row.rules = saved.rules
			case 0x0c: // DW_CFA_def_cfa
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				offset, err := r.uleb()
				if err != nil {
					return err
				}
				row.cfa = cfaRule{reg: int(reg), offset: int64(offset)}
			case 0x0d: // DW_CFA_def_cfa_register
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				row.cfa.reg = int(reg)
				row.cfa.expr = nil
			case 0x0e: // DW_CFA_def_cfa_offset
				offset, err := r.uleb()
				if err != nil {
					return err
				}
				row.cfa.offset = int64(offset)
				row.cfa.expr = nil
			case 0x0f: // DW_CFA_def_cfa_expression
				length, err := r.uleb()
				if err != nil {
					return err
				}
				expr, err := r.bytes(int(length))
				if err != nil {
					return err
				}
				row.cfa = cfaRule{expr: expr}
			case 0x10: // DW_CFA_expression
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				length, err := r.uleb()
				if err != nil {
					return err
				}
				expr, err := r.bytes(int(length))
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleExpression, expr: expr}
			case 0x11: // DW_CFA_offset_extended_sf
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				offset, err := r.sleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleOffset, offset: offset * c.dataAlign}
			case 0x12: // DW_CFA_def_cfa_sf
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				offset, err := r.sleb()
				if err != nil {
					return err
				}
				row.cfa = cfaRule{reg: int(reg), offset: offset * c.dataAlign}
			case 0x13: // DW_CFA_def_cfa_offset_sf
				offset, err := r.sleb()
				if err != nil {
					return err
				}
				row.cfa.offset = offset * c.dataAlign
				row.cfa.expr = nil
			case 0x14: // DW_CFA_val_offset
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				offset, err := r.uleb()
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleValOffset, offset: int64(offset) * c.dataAlign}
			case 0x16: // DW_CFA_val_expression
				reg, err := r.uleb()
				if err != nil {
					return err
				}
				length, err := r.uleb()
				if err != nil {
					return err
				}
				expr, err := r.bytes(int(length))
				if err != nil {
					return err
				}
				row.rules[int(reg)] = regRule{kind: ruleValExpression, expr: expr}
			case 0x2e: // DW_CFA_GNU_args_size
				if _, err := r.uleb(); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unwind: unhandled CFA opcode %#x", op)
			}
		}
	}
	return nil
}

// rowForPC runs the CIE's initial instructions and then the FDE program
// to build the unwind table row covering pc.
func (f *fde) rowForPC(pc uint64) (*unwindRow, error) {
	row := &unwindRow{rules: make(map[int]regRule)}
	loc := f.begin

	if err := runProgram(f.cie.initialProgram, f.cie, pc, &loc, row, nil); err != nil {
		return nil, err
	}
	initial := make(map[int]regRule, len(row.rules))
	for k, v := range row.rules {
		initial[k] = v
	}
	loc = f.begin
	if err := runProgram(f.program, f.cie, pc, &loc, row, initial); err != nil {
		return nil, err
	}
	return row, nil
}

// step applies a table row to the register file, replacing it with the
// caller's registers. Returns false when the frame chain ends.
func step(row *unwindRow, regs *proc.Registers, raReg int, mem proc.Memory) (bool, error) {
	var cfa uint64
	if row.cfa.expr != nil {
		v, err := evalExpression(row.cfa.expr, 0, regs, mem)
		if err != nil {
			return false, err
		}
		cfa = v
	} else {
		cfa = regs.Get(row.cfa.reg) + uint64(row.cfa.offset)
	}

	old := *regs
	for reg, rule := range row.rules {
		var value uint64
		switch rule.kind {
		case ruleOffset:
			v, err := proc.CopyUint64(mem, cfa+uint64(rule.offset))
			if err != nil {
				return false, err
			}
			value = v
		case ruleValOffset:
			value = cfa + uint64(rule.offset)
		case ruleRegister:
			value = old.Get(rule.reg)
		case ruleSameValue:
			value = old.Get(reg)
		case ruleExpression:
			addr, err := evalExpression(rule.expr, cfa, &old, mem)
			if err != nil {
				return false, err
			}
			v, err := proc.CopyUint64(mem, addr)
			if err != nil {
				return false, err
			}
			value = v
		case ruleValExpression:
			v, err := evalExpression(rule.expr, cfa, &old, mem)
			if err != nil {
				return false, err
			}
			value = v
		case ruleUndefined:
			continue
		}
		regs.Set(reg, value)
	}

	// The return address register becomes the new instruction pointer,
	// and the stack pointer moves to the CFA.
	if _, ok := row.rules[raReg]; !ok {
		// No rule for the return address means the previous frame's pc
		// is unrecoverable; treat as end of stack.
		return false, nil
	}
	regs.Rip = regs.Get(raReg)
	regs.Rsp = cfa
	return regs.Rip != 0, nil
}

// evalExpression runs the small subset of DWARF expressions that appear
// in practice in call-frame information.
func evalExpression(expr []byte, initial uint64, regs *proc.Registers, mem proc.Memory) (uint64, error) {
	r := &byteReader{data: expr}
	var stack []uint64
	if initial != 0 {
		stack = append(stack, initial)
	}
	push := func(v uint64) { stack = append(stack, v) }
	pop := func() (uint64, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("unwind: dwarf expression stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for r.remaining() > 0 {
		op, err := r.u8()
		if err != nil {
			return 0, err
		}
		switch {
		case op >= 0x30 && op <= 0x4f: // DW_OP_lit0..31
			push(uint64(op - 0x30))
		case op >= 0x70 && op <= 0x8f: // DW_OP_breg0..31
			offset, err := r.sleb()
			if err != nil {
				return 0, err
			}
			push(regs.Get(int(op-0x70)) + uint64(offset))
		case op == 0x03: // DW_OP_addr
			v, err := r.u64()
			if err != nil {
				return 0, err
			}
			push(v)
		case op == 0x06: // DW_OP_deref
			addr, err := pop()
			if err != nil {
				return 0, err
			}
			v, err := proc.CopyUint64(mem, addr)
			if err != nil {
				return 0, err
			}
			push(v)
		case op == 0x08: // DW_OP_const1u
			v, err := r.u8()
			if err != nil {
				return 0, err
			}
			push(uint64(v))
		case op == 0x10: // DW_OP_constu
			v, err := r.uleb()
			if err != nil {
				return 0, err
			}
			push(v)
		case op == 0x11: // DW_OP_consts
			v, err := r.sleb()
			if err != nil {
				return 0, err
			}
			push(uint64(v))
		case op == 0x1c: // DW_OP_minus
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a - b)
		case op == 0x22: // DW_OP_plus
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a + b)
		case op == 0x23: // DW_OP_plus_uconst
			v, err := r.uleb()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a + v)
		case op == 0x24: // DW_OP_shl
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a << (b & 63))
		case op == 0x2a: // DW_OP_ge
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			if int64(a) >= int64(b) {
				push(1)
			} else {
				push(0)
			}
		case op == 0x1a: // DW_OP_and
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a & b)
		default:
			return 0, fmt.Errorf("unwind: unhandled dwarf expression opcode %#x", op)
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("unwind: dwarf expression left %d values on stack", len(stack))
	}
	return stack[0], nil
}
