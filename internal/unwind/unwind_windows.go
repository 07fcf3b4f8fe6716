//go:build windows

package unwind

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"openspy/internal/proc"
)

var (
	dbghelp          = windows.NewLazySystemDLL("dbghelp.dll")
	stackWalk64      = dbghelp.NewProc("StackWalk64")
	symInitializeW   = dbghelp.NewProc("SymInitializeW")
	symCleanup       = dbghelp.NewProc("SymCleanup")
	symFromAddrW     = dbghelp.NewProc("SymFromAddrW")
	symGetModuleBase = dbghelp.NewProc("SymGetModuleBase64")
	symFunctionTable = dbghelp.NewProc("SymFunctionTableAccess64")
	symGetModuleInfo = dbghelp.NewProc("SymGetModuleInfoW64")
)

const imageFileMachineAmd64 = 0x8664

// dbghelp is single-threaded; serialize all calls into it.
var dbghelpMu sync.Mutex

// Unwinder drives StackWalk64 over the target's threads.
type Unwinder struct {
	process     *proc.Process
	initialized bool
}

// NewUnwinder prepares dbghelp for the target.
func NewUnwinder(p *proc.Process) (*Unwinder, error) {
	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()
	if r, _, err := symInitializeW.Call(uintptr(p.Handle()), 0, 1); r == 0 {
		return nil, &proc.PlatformError{Op: "SymInitialize", Err: err}
	}
	return &Unwinder{process: p, initialized: true}, nil
}

// Close releases dbghelp state.
func (u *Unwinder) Close() {
	if u.initialized {
		dbghelpMu.Lock()
		symCleanup.Call(uintptr(u.process.Handle()))
		dbghelpMu.Unlock()
		u.initialized = false
	}
}

// Reload is a no-op: dbghelp tracks module loads itself.
func (u *Unwinder) Reload() error { return nil }

// stackFrame64 mirrors STACKFRAME64.
type stackFrame64 struct {
	AddrPC     address64
	AddrReturn address64
	AddrFrame  address64
	AddrStack  address64
	AddrBStore address64
	FuncTable  uintptr
	Params     [4]uint64
	Far        int32
	Virtual    int32
	Reserved   [3]uint64
	KdHelp     [14]uint64
}

type address64 struct {
	Offset  uint64
	Segment uint16
	Mode    int32
}

const addrModeFlat = 3

// Cursor iterates a thread's stack via StackWalk64.
type Cursor struct {
	parent  *Unwinder
	ctx     *windows.CONTEXT
	frame   stackFrame64
	thread  *proc.Thread
	initial bool
	rbx     uint64
}

// Cursor seeds a walk from the thread's current context. The thread
// must be suspended.
func (u *Unwinder) Cursor(t *proc.Thread) (*Cursor, error) {
	ctx, err := t.Context()
	if err != nil {
		return nil, err
	}
	c := &Cursor{parent: u, ctx: ctx, thread: t, initial: true, rbx: ctx.Rbx}
	c.frame.AddrPC = address64{Offset: ctx.Rip, Mode: addrModeFlat}
	c.frame.AddrStack = address64{Offset: ctx.Rsp, Mode: addrModeFlat}
	c.frame.AddrFrame = address64{Offset: ctx.Rbp, Mode: addrModeFlat}
	return c, nil
}

// Bx returns the seed rbx value. Thread-id recovery is not needed on
// Windows (the OS thread id is authoritative), but the interface is
// shared.
func (c *Cursor) Bx() uint64 { return c.rbx }

// Next steps one frame.
func (c *Cursor) Next() (uint64, bool, error) {
	if c.initial {
		c.initial = false
		return c.frame.AddrPC.Offset, false, nil
	}

	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()
	threadHandle, err := windows.OpenThread(windows.THREAD_GET_CONTEXT, false, uint32(c.thread.ID()))
	if err != nil {
		return 0, false, &proc.PlatformError{Op: "OpenThread", Err: err}
	}
	defer windows.CloseHandle(threadHandle)

	r, _, _ := stackWalk64.Call(
		imageFileMachineAmd64,
		uintptr(c.parent.process.Handle()),
		uintptr(threadHandle),
		uintptr(unsafe.Pointer(&c.frame)),
		uintptr(unsafe.Pointer(c.ctx)),
		0,
		symFunctionTable.Addr(),
		symGetModuleBase.Addr(),
		0,
	)
	if r == 0 {
		return 0, true, nil
	}
	pc := c.frame.AddrPC.Offset
	if pc < minCodeAddr {
		return 0, true, nil
	}
	return pc, false, nil
}

// symbolInfoPkg mirrors SYMBOL_INFOW with space for the name.
type symbolInfoPkg struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [256]uint16
}

type imagehlpModuleW64 struct {
	SizeOfStruct  uint32
	BaseOfImage   uint64
	ImageSize     uint32
	TimeDateStamp uint32
	CheckSum      uint32
	NumSyms       uint32
	SymType       uint32
	ModuleName    [32]uint16
	ImageName     [256]uint16
	LoadedImage   [256]uint16
	// trailing pdb fields omitted; SizeOfStruct tells dbghelp what we
	// have room for
}

// Symbolicate resolves an address through dbghelp.
func (u *Unwinder) Symbolicate(addr uint64, lineInfo bool, callback func(*StackFrame)) error {
	dbghelpMu.Lock()
	defer dbghelpMu.Unlock()

	frame := StackFrame{Addr: addr}

	var module imagehlpModuleW64
	module.SizeOfStruct = uint32(unsafe.Sizeof(module))
	if r, _, _ := symGetModuleInfo.Call(uintptr(u.process.Handle()), uintptr(addr),
		uintptr(unsafe.Pointer(&module))); r != 0 {
		frame.Module = windows.UTF16ToString(module.ImageName[:])
	} else {
		return &proc.NoBinaryForAddressError{Addr: addr}
	}

	var si symbolInfoPkg
	si.SizeOfStruct = uint32(unsafe.Sizeof(si)) - uint32(unsafe.Sizeof(si.Name))
	si.MaxNameLen = uint32(len(si.Name))
	var displacement uint64
	if r, _, _ := symFromAddrW.Call(uintptr(u.process.Handle()), uintptr(addr),
		uintptr(unsafe.Pointer(&displacement)), uintptr(unsafe.Pointer(&si))); r != 0 {
		frame.Function = windows.UTF16ToString(si.Name[:si.NameLen])
	}

	callback(&frame)
	return nil
}
