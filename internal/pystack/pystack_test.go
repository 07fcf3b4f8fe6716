package pystack

import (
	"encoding/binary"
	"testing"

	"openspy/internal/config"
	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// fakeMem simulates a target's address space with a single flat segment,
// so tests can lay out interpreter structures byte by byte.
type fakeMem struct {
	base uint64
	data []byte
}

func (m *fakeMem) Copy(addr uint64, size int) ([]byte, error) {
	if addr < m.base || addr+uint64(size) > m.base+uint64(len(m.data)) {
		return nil, &proc.BadAddressError{Addr: addr, Size: size}
	}
	off := addr - m.base
	out := make([]byte, size)
	copy(out, m.data[off:off+uint64(size)])
	return out, nil
}

type arena struct {
	mem  *fakeMem
	next uint64
}

func newArena() *arena {
	mem := &fakeMem{base: 0x10000, data: make([]byte, 1<<20)}
	return &arena{mem: mem, next: mem.base}
}

func (a *arena) alloc(size int) uint64 {
	// keep everything 16-aligned like a real allocator would
	addr := (a.next + 15) &^ 15
	a.next = addr + uint64(size)
	return addr
}

func (a *arena) putU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(a.mem.data[addr-a.mem.base:], v)
}

func (a *arena) putU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(a.mem.data[addr-a.mem.base:], v)
}

func (a *arena) putBytes(addr uint64, b []byte) {
	copy(a.mem.data[addr-a.mem.base:], b)
}

// asciiString lays out a compact ASCII unicode object (3.3-3.11 layout).
func (a *arena) asciiString(s string) uint64 {
	addr := a.alloc(asciiData + len(s))
	a.putU64(addr+unicodeLength, uint64(len(s)))
	// kind=1, compact, ascii
	a.putU32(addr+unicodeState, 1<<2|1<<5|1<<6)
	a.putBytes(addr+asciiData, []byte(s))
	return addr
}

// bytesObject lays out a PyBytesObject.
func (a *arena) bytesObject(b []byte) uint64 {
	addr := a.alloc(bytesData + len(b))
	a.putU64(addr+bytesSize, uint64(len(b)))
	a.putBytes(addr+bytesData, b)
	return addr
}

// typeObject lays out enough of a PyTypeObject: name and flag bits.
func (a *arena) typeObject(name string, flags uint64) uint64 {
	nameAddr := a.alloc(len(name) + 1)
	a.putBytes(nameAddr, []byte(name))

	addr := a.alloc(typeDictOffset + 8)
	a.putU64(addr+typeName, nameAddr)
	a.putU64(addr+typeFlags, flags)
	return addr
}

var v310 = pybind.Version{Major: 3, Minor: 10, Patch: 4}

func TestCopyString(t *testing.T) {
	a := newArena()

	t.Run("ascii", func(t *testing.T) {
		addr := a.asciiString("function_name")
		got, err := CopyString(a.mem, v310, addr)
		if err != nil {
			t.Fatalf("CopyString failed: %v", err)
		}
		if got != "function_name" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("ucs4", func(t *testing.T) {
		addr := a.alloc(compactData + 8)
		a.putU64(addr+unicodeLength, 2)
		// kind=4, compact, not ascii
		a.putU32(addr+unicodeState, 4<<2|1<<5)
		a.putU32(addr+compactData, 0x1F4A9)  // 💩
		a.putU32(addr+compactData+4, 0x2764) // ❤
		got, err := CopyString(a.mem, v310, addr)
		if err != nil {
			t.Fatalf("CopyString failed: %v", err)
		}
		if got != "\U0001F4A9❤" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("latin1", func(t *testing.T) {
		addr := a.alloc(compactData + 2)
		a.putU64(addr+unicodeLength, 2)
		// kind=1, compact, not ascii
		a.putU32(addr+unicodeState, 1<<2|1<<5)
		a.putBytes(addr+compactData, []byte{0xe9, 0x61}) // é a
		got, err := CopyString(a.mem, v310, addr)
		if err != nil {
			t.Fatalf("CopyString failed: %v", err)
		}
		if got != "éa" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("refuses oversized strings", func(t *testing.T) {
		addr := a.alloc(asciiData)
		a.putU64(addr+unicodeLength, 100000)
		a.putU32(addr+unicodeState, 1<<2|1<<5|1<<6)
		if _, err := CopyString(a.mem, v310, addr); err == nil {
			t.Error("expected error for oversized string")
		}
	})

	t.Run("rejects ucs2", func(t *testing.T) {
		addr := a.alloc(compactData)
		a.putU64(addr+unicodeLength, 1)
		a.putU32(addr+unicodeState, 2<<2|1<<5)
		if _, err := CopyString(a.mem, v310, addr); err == nil {
			t.Error("expected error for ucs2 string")
		}
	})
}

func TestCopyBytes(t *testing.T) {
	a := newArena()
	payload := []byte{10, 20, 30, 40, 50, 70, 80}
	addr := a.bytesObject(payload)

	got, err := CopyBytes(a.mem, v310, addr)
	if err != nil {
		t.Fatalf("CopyBytes failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %v, want %v", got, payload)
	}
}

func TestFormatVariable(t *testing.T) {
	a := newArena()

	longType := a.typeObject("int", tpflagsLongSubclass)
	boolType := a.typeObject("bool", tpflagsLongSubclass)
	floatType := a.typeObject("float", 0)
	noneType := a.typeObject("NoneType", 0)
	strType := a.typeObject("str", tpflagsStringSubclass)

	newLong := func(typeAddr uint64, size int64, digits ...uint32) uint64 {
		addr := a.alloc(longDigits + len(digits)*4)
		a.putU64(addr+pybind.ObjectType, typeAddr)
		a.putU64(addr+longSize, uint64(size))
		for i, d := range digits {
			a.putU32(addr+longDigits+uint64(i)*4, d)
		}
		return addr
	}

	t.Run("small int", func(t *testing.T) {
		addr := newLong(longType, 1, 1234)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "1234" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("negative int", func(t *testing.T) {
		addr := newLong(longType, -1, 1234) // ob_size = -1
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "-1234" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("two digit int", func(t *testing.T) {
		const want = int64(123456789123456789)
		addr := newLong(longType, 2, uint32(want&(1<<30-1)), uint32(want>>30))
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "123456789123456789" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("bigint overflows", func(t *testing.T) {
		addr := newLong(longType, 3, 1, 2, 3)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "+bigint" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("bool", func(t *testing.T) {
		addr := newLong(boolType, 1, 1)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "True" {
			t.Errorf("got %q", got)
		}
		addr = newLong(boolType, 0)
		got, _ = FormatVariable(a.mem, v310, addr, 128)
		if got != "False" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("float", func(t *testing.T) {
		addr := a.alloc(floatValue + 8)
		a.putU64(addr+pybind.ObjectType, floatType)
		a.putU64(addr+floatValue, 0x400921CAC083126F) // 3.1415
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "3.1415" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("none", func(t *testing.T) {
		addr := a.alloc(16)
		a.putU64(addr+pybind.ObjectType, noneType)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != "None" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("string", func(t *testing.T) {
		addr := a.asciiString("foo")
		a.putU64(addr+pybind.ObjectType, strType)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		if got != `"foo"` {
			t.Errorf("got %q", got)
		}
	})

	t.Run("exhausted budget elides", func(t *testing.T) {
		addr := newLong(longType, 1, 42)
		got, err := FormatVariable(a.mem, v310, addr, 3)
		if err != nil {
			t.Fatal(err)
		}
		if got != "..." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		customType := a.typeObject("Widget", 0)
		addr := a.alloc(16)
		a.putU64(addr+pybind.ObjectType, customType)
		got, err := FormatVariable(a.mem, v310, addr, 128)
		if err != nil {
			t.Fatal(err)
		}
		want := "<Widget at 0x"
		if len(got) < len(want) || got[:len(want)] != want {
			t.Errorf("got %q, want prefix %q", got, want)
		}
	})
}

// buildInterpreter lays out a minimal 3.10 interpreter with one thread
// running one frame and returns the interpreter address.
func buildInterpreter(a *arena, lay *pybind.Layout) uint64 {
	filename := a.asciiString("longsleep.py")
	funcname := a.asciiString("longsleep")
	lineTable := a.bytesObject([]byte{2, 1, 2, 1})

	code := a.alloc(0x100)
	a.putU64(code+lay.CodeFilename, filename)
	a.putU64(code+lay.CodeName, funcname)
	a.putU32(code+lay.CodeFirstLineno, 3)
	a.putU64(code+lay.CodeLineTable, lineTable)

	frame := a.alloc(0x200)
	a.putU64(frame+lay.FrameCode, code)
	a.putU64(frame+lay.FrameBack, 0)
	a.putU32(frame+lay.FrameLasti, 1)

	thread := a.alloc(0x200)
	a.putU64(thread+lay.ThreadFrame, frame)
	a.putU64(thread+lay.ThreadNext, 0)
	a.putU64(thread+lay.ThreadID, 0x7777)

	interp := a.alloc(0x200)
	a.putU64(interp+lay.InterpHead, thread)
	a.putU64(thread+lay.ThreadInterp, interp)
	return interp
}

func TestGetStackTraces(t *testing.T) {
	a := newArena()
	lay, err := pybind.LayoutFor(v310)
	if err != nil {
		t.Fatal(err)
	}
	interp := buildInterpreter(a, lay)

	traces, err := GetStackTraces(a.mem, v310, lay, interp, 42, Options{LineNo: config.LastInstruction})
	if err != nil {
		t.Fatalf("GetStackTraces failed: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1", len(traces))
	}
	tr := traces[0]
	if tr.ThreadID != 0x7777 {
		t.Errorf("ThreadID = %#x", tr.ThreadID)
	}
	if tr.Pid != 42 {
		t.Errorf("Pid = %d", tr.Pid)
	}
	if len(tr.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(tr.Frames))
	}
	frame := tr.Frames[0]
	if frame.Name != "longsleep" {
		t.Errorf("Name = %q", frame.Name)
	}
	if frame.Filename != "longsleep.py" {
		t.Errorf("Filename = %q", frame.Filename)
	}
	// lasti=1 instruction → byte 2 → second lnotab entry: 3+1+1
	if frame.Line != 5 {
		t.Errorf("Line = %d, want 5", frame.Line)
	}
}

func TestGetStackTracesSkipsBrokenThread(t *testing.T) {
	a := newArena()
	lay, err := pybind.LayoutFor(v310)
	if err != nil {
		t.Fatal(err)
	}
	interp := buildInterpreter(a, lay)

	// Splice a thread with an unreadable frame pointer in front of the
	// good one.
	goodThread, err := proc.CopyPtr(a.mem, interp+lay.InterpHead)
	if err != nil {
		t.Fatal(err)
	}
	badThread := a.alloc(0x200)
	a.putU64(badThread+lay.ThreadFrame, 0xdeadbeef00) // outside the arena
	a.putU64(badThread+lay.ThreadNext, goodThread)
	a.putU64(badThread+lay.ThreadID, 0x1111)
	a.putU64(interp+lay.InterpHead, badThread)

	traces, err := GetStackTraces(a.mem, v310, lay, interp, 42, Options{LineNo: config.NoLine})
	if err != nil {
		t.Fatalf("GetStackTraces failed: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1 (broken thread skipped)", len(traces))
	}
	if traces[0].ThreadID != 0x7777 {
		t.Errorf("surviving trace has ThreadID %#x, want 0x7777", traces[0].ThreadID)
	}
}

func TestWalkFramesCycleBounded(t *testing.T) {
	a := newArena()
	lay, err := pybind.LayoutFor(v310)
	if err != nil {
		t.Fatal(err)
	}

	filename := a.asciiString("loop.py")
	funcname := a.asciiString("spin")
	code := a.alloc(0x100)
	a.putU64(code+lay.CodeFilename, filename)
	a.putU64(code+lay.CodeName, funcname)

	// frame whose back pointer is itself
	frame := a.alloc(0x200)
	a.putU64(frame+lay.FrameCode, code)
	a.putU64(frame+lay.FrameBack, frame)

	_, err = walkFrames(a.mem, v310, lay, frame, Options{LineNo: config.NoLine})
	if err != ErrRecursionLimit {
		t.Errorf("expected ErrRecursionLimit, got %v", err)
	}
}
