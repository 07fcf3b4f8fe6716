package pystack

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// Object layouts shared by every supported release (64-bit builds).
const (
	// PyTypeObject
	typeName       = 0x18
	typeFlags      = 0xa8
	typeDictOffset = 0x120

	// PyTupleObject / PyListObject
	tupleItems = 0x18
	listSize   = 0x10
	listItems  = 0x18

	// PyFloatObject
	floatValue = 0x10

	// PyLongObject (ob_size + 30-bit digits; 3.12 packs size and sign
	// into lv_tag instead)
	longSize   = 0x10
	longDigits = 0x18

	// Python 2 PyIntObject
	intValue = 0x10
)

// Type flag bits used to classify values (Py_TPFLAGS_*_SUBCLASS).
const (
	tpflagsManagedDict    = uint64(1) << 4
	tpflagsIntSubclass    = uint64(1) << 23
	tpflagsLongSubclass   = uint64(1) << 24
	tpflagsListSubclass   = uint64(1) << 25
	tpflagsTupleSubclass  = uint64(1) << 26
	tpflagsBytesSubclass  = uint64(1) << 27
	tpflagsStringSubclass = uint64(1) << 28
	tpflagsDictSubclass   = uint64(1) << 29
)

func tupleItemAddr(tupleAddr, index uint64) uint64 {
	return tupleAddr + tupleItems + index*8
}

// typeNameOf reads the value's type name, truncated to 128 bytes.
func typeNameOf(mem proc.Memory, typePtr uint64) (string, error) {
	namePtr, err := proc.CopyPtr(mem, typePtr+typeName)
	if err != nil {
		return "", err
	}
	raw, err := mem.Copy(namePtr, 128)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		return string(raw[:i]), nil
	}
	return string(raw), nil
}

// FormatVariable renders a value in the target's memory into a bounded
// human-readable string. Strings, lists, tuples and dicts are cut short
// with "..." as they approach the budget. Numbers, bools, None and the
// "<type at addr>" fallback are not shortened and can run past a small
// budget, and quoting escapes can lengthen an uncut string past it.
func FormatVariable(mem proc.Memory, v pybind.Version, addr uint64, budget int) (string, error) {
	// All of the formats below need at least a few characters to say
	// anything useful; below that, elide.
	if budget <= 5 {
		return "...", nil
	}

	typePtr, err := proc.CopyPtr(mem, addr+pybind.ObjectType)
	if err != nil {
		return "", err
	}
	flags, err := proc.CopyUint64(mem, typePtr+typeFlags)
	if err != nil {
		return "", err
	}
	name, err := typeNameOf(mem, typePtr)
	if err != nil {
		return "", err
	}

	formatInt := func(value int64) string {
		if name == "bool" {
			if value > 0 {
				return "True"
			}
			return "False"
		}
		return strconv.FormatInt(value, 10)
	}

	switch {
	case flags&tpflagsIntSubclass != 0:
		value, err := proc.CopyInt64(mem, addr+intValue)
		if err != nil {
			return "", err
		}
		return formatInt(value), nil

	case flags&tpflagsLongSubclass != 0:
		value, overflowed, err := copyLong(mem, v, addr)
		if err != nil {
			return "", err
		}
		if overflowed {
			if value >= 0 {
				return "+bigint", nil
			}
			return "-bigint", nil
		}
		return formatInt(value), nil

	case flags&tpflagsStringSubclass != 0,
		v.Major == 2 && flags&tpflagsBytesSubclass != 0:
		value, err := CopyString(mem, v, addr)
		if err != nil {
			return "", err
		}
		value = strings.ReplaceAll(value, `"`, `\"`)
		value = strings.ReplaceAll(value, "\n", `\n`)
		if len(value) >= budget-5 {
			return fmt.Sprintf("\"%s...\"", value[:budget-5]), nil
		}
		return fmt.Sprintf("%q", value), nil

	case flags&tpflagsDictSubclass != 0:
		if v.Major == 3 && v.Minor >= 6 {
			return formatDict(mem, v, addr, budget)
		}
		// Dicts in earlier releases use combined tables with more
		// variants than the value of rendering them justifies.
		return "dict", nil

	case flags&tpflagsListSubclass != 0:
		size, err := proc.CopyInt64(mem, addr+listSize)
		if err != nil {
			return "", err
		}
		items, err := proc.CopyPtr(mem, addr+listItems)
		if err != nil {
			return "", err
		}
		elems, err := formatSequence(mem, v, size, budget, func(i int64) (uint64, error) {
			return proc.CopyPtr(mem, items+uint64(i)*8)
		})
		if err != nil {
			return "", err
		}
		return "[" + elems + "]", nil

	case flags&tpflagsTupleSubclass != 0:
		size, err := proc.CopyInt64(mem, addr+pybind.VarObjectSize)
		if err != nil {
			return "", err
		}
		elems, err := formatSequence(mem, v, size, budget, func(i int64) (uint64, error) {
			return proc.CopyPtr(mem, tupleItemAddr(addr, uint64(i)))
		})
		if err != nil {
			return "", err
		}
		return "(" + elems + ")", nil

	case name == "float":
		bits, err := proc.CopyUint64(mem, addr+floatValue)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64), nil

	case name == "NoneType":
		return "None", nil
	}

	return fmt.Sprintf("<%s at 0x%x>", name, addr), nil
}

// formatSequence renders list/tuple elements with a declining budget.
func formatSequence(mem proc.Memory, v pybind.Version, size int64, budget int, item func(int64) (uint64, error)) (string, error) {
	if size < 0 || size > maxTraversal {
		return "", fmt.Errorf("pystack: implausible sequence size %d", size)
	}
	remaining := budget - 2
	var values []string
	for i := int64(0); i < size; i++ {
		elemAddr, err := item(i)
		if err != nil {
			return "", err
		}
		value, err := FormatVariable(mem, v, elemAddr, remaining)
		if err != nil {
			return "", err
		}
		remaining -= len(value) + 2
		if remaining <= 5 {
			values = append(values, "...")
			break
		}
		values = append(values, value)
	}
	return strings.Join(values, ", "), nil
}

func formatDict(mem proc.Memory, v pybind.Version, addr uint64, budget int) (string, error) {
	it, err := NewDictIterator(mem, v, addr)
	if err != nil {
		return "", err
	}
	remaining := budget - 2
	var values []string
	for {
		keyAddr, valueAddr, ok, err := it.Next()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		key, err := FormatVariable(mem, v, keyAddr, remaining)
		if err != nil {
			return "", err
		}
		value, err := FormatVariable(mem, v, valueAddr, remaining)
		if err != nil {
			return "", err
		}
		remaining -= len(key) + len(value) + 4
		if remaining <= 5 {
			values = append(values, "...")
			break
		}
		values = append(values, key+": "+value)
	}
	return "{" + strings.Join(values, ", ") + "}", nil
}

// copyLong decodes a PyLongObject: sign-tagged digit count and
// little-endian base-2³⁰ digits. Values wider than two digits report
// overflow instead of a number.
func copyLong(mem proc.Memory, v pybind.Version, addr uint64) (int64, bool, error) {
	var size, negative int64
	if v.Major == 3 && v.Minor >= 12 {
		// 3.12 packs the sign into the low bits of lv_tag and the
		// digit count above them.
		tag, err := proc.CopyUint64(mem, addr+longSize)
		if err != nil {
			return 0, false, err
		}
		size = int64(tag >> 3)
		negative = 1
		switch tag & 3 {
		case 1:
			size = 0
		case 2:
			negative = -1
		}
	} else {
		obSize, err := proc.CopyInt64(mem, addr+longSize)
		if err != nil {
			return 0, false, err
		}
		negative = 1
		if obSize < 0 {
			negative = -1
			obSize = -obSize
		}
		size = obSize
	}

	switch size {
	case 0:
		return 0, false, nil
	case 1, 2:
		var value int64
		for i := int64(0); i < size; i++ {
			digit, err := proc.CopyUint32(mem, addr+longDigits+uint64(i)*4)
			if err != nil {
				return 0, false, err
			}
			value += int64(digit) << (30 * i)
		}
		return negative * value, false, nil
	default:
		// Arbitrary precision isn't worth reproducing; report the sign.
		return negative, true, nil
	}
}

