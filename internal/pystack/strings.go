// Package pystack walks a target interpreter's thread list and frame
// chains and turns them into stack traces. The walk is parameterized by
// the per-version layout tables in pybind; dispatch happens once per
// sample.
package pystack

import (
	"fmt"
	"strings"

	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// Refuse to copy absurdly long strings: a filename or function name that
// long means we're walking garbage.
const maxStringChars = 4096

// Bytes objects can be larger (line tables), but still bounded.
const maxBytesLen = 65536

// Unicode object field offsets (PyASCIIObject / PyCompactUnicodeObject,
// 64-bit). The state bitfield packs interned:2, kind:3, compact:1,
// ascii:1 from the low bit up.
const (
	unicodeLength = 0x10
	unicodeState  = 0x20

	// Data follows the header; 3.12 dropped the wstr slots, pulling the
	// data forward.
	asciiData       = 0x30
	asciiData312    = 0x28
	compactData     = 0x48
	compactData312  = 0x38

	// Python 2 str objects (PyStringObject).
	py2StringSize = 0x10
	py2StringData = 0x24

	// PyBytesObject
	bytesSize = 0x10
	bytesData = 0x20
)

// CopyString copies a python string object out of the target, handling
// the unicode representations used across versions.
func CopyString(mem proc.Memory, v pybind.Version, addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("pystack: null string object")
	}

	if v.Major == 2 {
		size, err := proc.CopyInt64(mem, addr+py2StringSize)
		if err != nil {
			return "", err
		}
		if size < 0 || size >= maxStringChars {
			return "", fmt.Errorf("pystack: refusing to copy %d chars of a string", size)
		}
		data, err := mem.Copy(addr+py2StringData, int(size))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	length, err := proc.CopyInt64(mem, addr+unicodeLength)
	if err != nil {
		return "", err
	}
	if length < 0 || length >= maxStringChars {
		return "", fmt.Errorf("pystack: refusing to copy %d chars of a string", length)
	}

	state, err := proc.CopyUint32(mem, addr+unicodeState)
	if err != nil {
		return "", err
	}
	kind := (state >> 2) & 0x7
	ascii := (state>>6)&0x1 != 0

	dataOff := uint64(compactData)
	if ascii {
		dataOff = asciiData
	}
	if v.Minor >= 12 {
		if ascii {
			dataOff = asciiData312
		} else {
			dataOff = compactData312
		}
	}

	switch kind {
	case 1:
		data, err := mem.Copy(addr+dataOff, int(length))
		if err != nil {
			return "", err
		}
		if ascii {
			return string(data), nil
		}
		// latin-1: one character per byte.
		var sb strings.Builder
		sb.Grow(len(data))
		for _, b := range data {
			sb.WriteRune(rune(b))
		}
		return sb.String(), nil
	case 4:
		data, err := mem.Copy(addr+dataOff, int(length)*4)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for i := 0; i+4 <= len(data); i += 4 {
			cp := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			sb.WriteRune(rune(cp))
		}
		return sb.String(), nil
	case 2:
		// UCS2 isn't used internally after PEP 393 landed in 3.3.
		return "", fmt.Errorf("pystack: ucs2 strings aren't supported")
	}
	return "", fmt.Errorf("pystack: unknown string kind %d", kind)
}

// CopyBytes copies the payload of a bytes object (line tables, mostly).
func CopyBytes(mem proc.Memory, v pybind.Version, addr uint64) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("pystack: null bytes object")
	}

	sizeOff, dataOff := uint64(bytesSize), uint64(bytesData)
	if v.Major == 2 {
		sizeOff, dataOff = py2StringSize, py2StringData
	}
	size, err := proc.CopyInt64(mem, addr+sizeOff)
	if err != nil {
		return nil, err
	}
	if size < 0 || size >= maxBytesLen {
		return nil, fmt.Errorf("pystack: refusing to copy %d bytes", size)
	}
	return mem.Copy(addr+dataOff, int(size))
}
