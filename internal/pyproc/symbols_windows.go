//go:build windows

package pyproc

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"openspy/internal/binparse"
	"openspy/internal/logging"
	"openspy/internal/proc"
)

var (
	dbghelp            = windows.NewLazySystemDLL("dbghelp.dll")
	symInitializeW     = dbghelp.NewProc("SymInitializeW")
	symCleanup         = dbghelp.NewProc("SymCleanup")
	symLoadModuleExW   = dbghelp.NewProc("SymLoadModuleExW")
	symFromNameW       = dbghelp.NewProc("SymFromNameW")
	symUnloadModule64  = dbghelp.NewProc("SymUnloadModule64")
)

// symbolInfoW mirrors SYMBOL_INFOW with room for the name.
type symbolInfoW struct {
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

// loadPlatformSymbols pulls the couple of symbols we need out of the
// interpreter's .pdb files. Enumerating every symbol through dbghelp is
// far too slow, so only the names the locator actually uses are queried.
func loadPlatformSymbols(p *proc.Process, info *ProcessInfo, exeMap, libMap *proc.MapRange) {
	handle := p.Handle()
	if r, _, err := symInitializeW.Call(uintptr(handle), 0, 0); r == 0 {
		logging.Warnf("pyproc: SymInitialize failed: %v", err)
		return
	}
	defer symCleanup.Call(uintptr(handle))

	load := func(binary *binparse.BinaryInfo, m *proc.MapRange) {
		if binary == nil || m == nil {
			return
		}
		name, err := windows.UTF16PtrFromString(m.Filename)
		if err != nil {
			return
		}
		base, _, _ := symLoadModuleExW.Call(uintptr(handle), 0,
			uintptr(unsafe.Pointer(name)), 0, uintptr(m.Start), uintptr(m.Size()), 0, 0)
		if base == 0 {
			return
		}
		defer symUnloadModule64.Call(uintptr(handle), uintptr(base))

		for _, symbol := range []string{"_PyThreadState_Current", "interp_head", "_PyRuntime"} {
			var si symbolInfoW
			si.SizeOfStruct = uint32(unsafe.Sizeof(si)) - uint32(unsafe.Sizeof(si.Name))
			si.MaxNameLen = uint32(len(si.Name))
			symName, err := windows.UTF16PtrFromString(symbol)
			if err != nil {
				continue
			}
			if r, _, _ := symFromNameW.Call(uintptr(handle),
				uintptr(unsafe.Pointer(symName)), uintptr(unsafe.Pointer(&si))); r == 0 {
				continue
			}
			addr := si.Address
			// A pdb-resolved address is module-relative; rebase onto
			// the live mapping.
			if si.ModBase != 0 {
				addr = m.Start + si.Address - si.ModBase
			}
			binary.Symbols[symbol] = addr
		}
	}

	load(info.PythonBinary, exeMap)
	load(info.LibPythonBinary, libMap)
}
