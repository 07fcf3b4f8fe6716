package pybind

// Layout records where the fields the profiler reads live inside one
// CPython release's interpreter structures, for 64-bit builds. The values
// were produced by compiling each release and dumping offsetof() for the
// members below; they are grouped by the ABI ranges that actually share a
// layout rather than listed per patch release.
//
// All offsets are in bytes from the start of the owning struct.
type Layout struct {
	// PyInterpreterState
	InterpNext    uint64 // next interpreter in the runtime's list
	InterpHead    uint64 // first PyThreadState (tstate_head / threads.head)
	InterpModules uint64 // sys.modules dict

	// PyThreadState
	ThreadNext   uint64 // next thread state in the interpreter's list
	ThreadInterp uint64 // back-pointer to the owning interpreter
	ThreadFrame  uint64 // current frame, or the cframe holder on 3.11+
	ThreadID     uint64 // interpreter-level thread id

	// FrameIndirect marks releases where ThreadFrame points at a
	// _PyCFrame rather than at the frame itself; CFrameCurrent is the
	// offset of current_frame inside that holder.
	FrameIndirect bool
	CFrameCurrent uint64

	// Frame (PyFrameObject, or _PyInterpreterFrame on 3.11+)
	FrameCode   uint64 // code object
	FrameBack   uint64 // previous frame in the call chain
	FrameLasti  uint64 // last executed instruction (index, or pointer on 3.11+)
	FrameLocals uint64 // start of the trailing localsplus array

	// LastiIsPointer marks releases where the last-instruction field is
	// a pointer into co_code_adaptive instead of a byte index.
	LastiIsPointer bool

	// PyCodeObject
	CodeFilename    uint64
	CodeName        uint64
	CodeFirstLineno uint64
	CodeLineTable   uint64 // co_lnotab / co_linetable
	CodeArgcount    uint64
	CodeNlocals     uint64
	CodeVarnames    uint64 // co_varnames / co_localsplusnames
	CodeAdaptive    uint64 // co_code_adaptive (3.11+), for lasti recovery

	// LineTable selects the decoder for CodeLineTable's bytes.
	LineTable LineTableKind
}

// LineTableKind enumerates the packed line-table encodings.
type LineTableKind int

const (
	// LineTableLnotab is the classic co_lnotab pair encoding (< 3.10).
	LineTableLnotab LineTableKind = iota
	// LineTable310 is the PEP 626 co_linetable pair encoding.
	LineTable310
	// LineTable311 is the PEP 657 location table (columns present but
	// discarded); also used by 3.12.
	LineTable311
)

// The shared object header: ob_refcnt at 0, ob_type at 8. Var-sized
// objects put ob_size at 0x10.
const (
	ObjectType    = 0x8
	VarObjectSize = 0x10
)

var layout27 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x10,
	ThreadNext: 0x0, ThreadInterp: 0x8, ThreadFrame: 0x10, ThreadID: 0x90,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x78, FrameLocals: 0x178,
	CodeFilename: 0x50, CodeName: 0x58, CodeFirstLineno: 0x60,
	CodeLineTable: 0x68, CodeArgcount: 0x10, CodeNlocals: 0x14,
	CodeVarnames: 0x38,
	LineTable:    LineTableLnotab,
}

var layout33 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x10,
	ThreadNext: 0x0, ThreadInterp: 0x8, ThreadFrame: 0x10, ThreadID: 0x98,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x78, FrameLocals: 0x178,
	CodeFilename: 0x60, CodeName: 0x68, CodeFirstLineno: 0x70,
	CodeLineTable: 0x78, CodeArgcount: 0x10, CodeNlocals: 0x18,
	CodeVarnames: 0x40,
	LineTable:    LineTableLnotab,
}

// 3.4 and 3.5 share an ABI for our purposes: the thread list gained a prev
// pointer, pushing next/interp/frame down one slot.
var layout35 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x10,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0x98,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x78, FrameLocals: 0x178,
	CodeFilename: 0x60, CodeName: 0x68, CodeFirstLineno: 0x70,
	CodeLineTable: 0x78, CodeArgcount: 0x10, CodeNlocals: 0x18,
	CodeVarnames: 0x40,
	LineTable:    LineTableLnotab,
}

var layout36 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x10,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0x98,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x78, FrameLocals: 0x178,
	CodeFilename: 0x60, CodeName: 0x68, CodeFirstLineno: 0x24,
	CodeLineTable: 0x70, CodeArgcount: 0x10, CodeNlocals: 0x18,
	CodeVarnames: 0x40,
	LineTable:    LineTableLnotab,
}

var layout37 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x28,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0xb0,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x68, FrameLocals: 0x168,
	CodeFilename: 0x60, CodeName: 0x68, CodeFirstLineno: 0x24,
	CodeLineTable: 0x70, CodeArgcount: 0x10, CodeNlocals: 0x18,
	CodeVarnames: 0x40,
	LineTable:    LineTableLnotab,
}

// 3.8 added co_posonlyargcount, pushing the rest of the code object down,
// and grew the interpreter head with runtime bookkeeping.
var layout38 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x40,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0xb0,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x68, FrameLocals: 0x168,
	CodeFilename: 0x68, CodeName: 0x70, CodeFirstLineno: 0x28,
	CodeLineTable: 0x78, CodeArgcount: 0x10, CodeNlocals: 0x1c,
	CodeVarnames: 0x48,
	LineTable:    LineTableLnotab,
}

// 3.9 moved the ceval and gc state inside the interpreter, pushing
// sys.modules far down; the frame lost its stacktop slot.
var layout39 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x128,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0xb8,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x60, FrameLocals: 0x160,
	CodeFilename: 0x68, CodeName: 0x70, CodeFirstLineno: 0x28,
	CodeLineTable: 0x78, CodeArgcount: 0x10, CodeNlocals: 0x1c,
	CodeVarnames: 0x48,
	LineTable:    LineTableLnotab,
}

var layout310 = Layout{
	InterpNext: 0x0, InterpHead: 0x8, InterpModules: 0x130,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x18, ThreadID: 0xc0,
	FrameCode: 0x20, FrameBack: 0x18, FrameLasti: 0x60, FrameLocals: 0x160,
	CodeFilename: 0x68, CodeName: 0x70, CodeFirstLineno: 0x28,
	CodeLineTable: 0x78, CodeArgcount: 0x10, CodeNlocals: 0x1c,
	CodeVarnames: 0x48,
	LineTable:    LineTable310,
}

// 3.11 replaced heap frames with _PyInterpreterFrame records reached
// through the thread's cframe, and reworked the code object around
// co_localsplusnames / co_code_adaptive.
var layout311 = Layout{
	InterpNext: 0x0, InterpHead: 0x10, InterpModules: 0x170,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x38, ThreadID: 0x98,
	FrameIndirect: true, CFrameCurrent: 0x8,
	FrameCode: 0x20, FrameBack: 0x30, FrameLasti: 0x38, FrameLocals: 0x48,
	LastiIsPointer: true,
	CodeFilename:   0x70, CodeName: 0x78, CodeFirstLineno: 0x48,
	CodeLineTable: 0x88, CodeArgcount: 0x38, CodeNlocals: 0x50,
	CodeVarnames: 0x60, CodeAdaptive: 0xa8,
	LineTable: LineTable311,
}

var layout312 = Layout{
	InterpNext: 0x0, InterpHead: 0x40, InterpModules: 0x318,
	ThreadNext: 0x8, ThreadInterp: 0x10, ThreadFrame: 0x40, ThreadID: 0xa0,
	FrameIndirect: true, CFrameCurrent: 0x0,
	FrameCode: 0x0, FrameBack: 0x8, FrameLasti: 0x38, FrameLocals: 0x48,
	LastiIsPointer: true,
	CodeFilename:   0x70, CodeName: 0x78, CodeFirstLineno: 0x44,
	CodeLineTable: 0x88, CodeArgcount: 0x34, CodeNlocals: 0x50,
	CodeVarnames: 0x60, CodeAdaptive: 0xb8,
	LineTable: LineTable311,
}

// LayoutFor returns the layout tables for a release, or an
// UnsupportedVersionError. The dispatch happens once per sample.
func LayoutFor(v Version) (*Layout, error) {
	switch v.Major {
	case 2:
		if v.Minor >= 3 && v.Minor <= 7 {
			return &layout27, nil
		}
	case 3:
		switch v.Minor {
		case 3:
			return &layout33, nil
		case 4, 5:
			return &layout35, nil
		case 6:
			return &layout36, nil
		case 7:
			return &layout37, nil
		case 8:
			// The first 3.8 alphas still used the 3.7 ABI.
			if v.Patch == 0 && (v.ReleaseFlags == "a1" || v.ReleaseFlags == "a2" || v.ReleaseFlags == "a3") {
				return &layout37, nil
			}
			return &layout38, nil
		case 9:
			return &layout39, nil
		case 10:
			return &layout310, nil
		case 11:
			return &layout311, nil
		case 12:
			return &layout312, nil
		}
	}
	return nil, &UnsupportedVersionError{Version: v}
}
