package pyproc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"openspy/internal/binparse"
	"openspy/internal/config"
	"openspy/internal/logging"
	"openspy/internal/proc"
	"openspy/internal/pybind"
	"openspy/internal/pystack"
)

// ErrInterpreterNotFound means every candidate address failed structural
// validation.
var ErrInterpreterNotFound = errors.New("failed to find a python interpreter in the target process")

// FindInterpreter resolves the address of the target's interpreter-state
// struct. The symbol route is preferred (it's also much faster than
// scanning); failing that, the BSS of the main binary and then of the
// shared library are scanned for pointers that validate as an
// interpreter.
func FindInterpreter(info *ProcessInfo, mem proc.Memory, v pybind.Version, lay *pybind.Layout) (uint64, error) {
	if v.Major == 3 && v.Minor >= 7 {
		if addr, ok := info.GetSymbol("_PyRuntime"); ok {
			head, err := proc.CopyPtr(mem, addr+pybind.InterpHeadOffset(v))
			if err == nil {
				if found, err := checkInterpreterAddrs(info, mem, v, lay, []uint64{head}); err == nil {
					return found, nil
				}
				logging.Warnf("pyproc: interpreter address from _PyRuntime is invalid %016x", head)
			}
		}
	} else {
		if addr, ok := info.GetSymbol("interp_head"); ok {
			head, err := proc.CopyPtr(mem, addr)
			if err == nil {
				if found, err := checkInterpreterAddrs(info, mem, v, lay, []uint64{head}); err == nil {
					return found, nil
				}
				logging.Warnf("pyproc: interpreter address from interp_head is invalid %016x", head)
			}
		}
	}
	logging.Infof("pyproc: no usable interpreter symbol, scanning main binary BSS")

	var firstErr error
	if info.PythonBinary != nil {
		addr, err := scanBinaryForInterpreter(info, mem, v, lay, info.PythonBinary)
		if err == nil {
			return addr, nil
		}
		firstErr = err
	}
	if info.LibPythonBinary != nil {
		logging.Infof("pyproc: scanning interpreter library BSS")
		addr, err := scanBinaryForInterpreter(info, mem, v, lay, info.LibPythonBinary)
		if err == nil {
			return addr, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = ErrInterpreterNotFound
	}
	return 0, firstErr
}

// scanBinaryForInterpreter treats the binary's BSS as an array of
// pointer-sized words and validates each as an interpreter candidate.
func scanBinaryForInterpreter(info *ProcessInfo, mem proc.Memory, v pybind.Version, lay *pybind.Layout, bin *binparse.BinaryInfo) (uint64, error) {
	for _, section := range bin.BSS {
		data, err := mem.Copy(section.Addr, int(section.Size))
		if err != nil {
			continue
		}
		addrs := make([]uint64, 0, len(data)/8)
		for i := 0; i+8 <= len(data); i += 8 {
			addrs = append(addrs, binary.LittleEndian.Uint64(data[i:]))
		}
		if found, err := checkInterpreterAddrs(info, mem, v, lay, addrs); err == nil {
			return found, nil
		}
	}
	return 0, ErrInterpreterNotFound
}

// checkInterpreterAddrs validates candidate pointers. An address wins
// when it lies in mapped memory, its thread-list head lies in mapped
// memory, the first thread points back at it, and a full stack-trace
// walk from it succeeds.
func checkInterpreterAddrs(info *ProcessInfo, mem proc.Memory, v pybind.Version, lay *pybind.Layout, addrs []uint64) (uint64, error) {
	for _, addr := range addrs {
		if addr == 0 || !info.ContainsAddr(addr) {
			continue
		}
		head, err := proc.CopyPtr(mem, addr+lay.InterpHead)
		if err != nil || head == 0 || !info.ContainsAddr(head) {
			continue
		}
		interp, err := proc.CopyPtr(mem, head+lay.ThreadInterp)
		if err != nil || interp != addr {
			continue
		}
		if _, err := pystack.GetStackTraces(mem, v, lay, addr, 0, pystack.Options{LineNo: config.NoLine}); err != nil {
			continue
		}
		return addr, nil
	}
	return 0, ErrInterpreterNotFound
}

// ThreadStateAddress finds where the interpreter publishes the currently
// running thread state, which is how GIL ownership is detected. A zero
// return means detection is unavailable; that is fatal only when the
// caller insists on gil_only filtering.
func ThreadStateAddress(info *ProcessInfo, v pybind.Version, gilRequired bool) (uint64, error) {
	if v.Major == 3 && v.Minor >= 7 {
		addr, ok := info.GetSymbol("_PyRuntime")
		if !ok {
			return 0, gilUnavailable(gilRequired, v, "failed to find _PyRuntime symbol")
		}
		offset, ok := pybind.TstateCurrentOffset(v)
		if !ok {
			return 0, gilUnavailable(gilRequired, v, "unknown gilstate.tstate_current offset")
		}
		logging.Infof("pyproc: found _PyRuntime @ 0x%016x, tstate_current at offset 0x%x", addr, offset)
		return addr + offset, nil
	}

	addr, ok := info.GetSymbol("_PyThreadState_Current")
	if !ok {
		return 0, gilUnavailable(gilRequired, v, "failed to find _PyThreadState_Current symbol")
	}
	logging.Infof("pyproc: found _PyThreadState_Current @ 0x%016x", addr)
	return addr, nil
}

func gilUnavailable(fatal bool, v pybind.Version, reason string) error {
	if fatal {
		return fmt.Errorf("pyproc: cannot detect GIL holding in version %s on this platform (%s)", v, reason)
	}
	logging.Warnf("pyproc: unable to detect GIL usage: %s", reason)
	return nil
}
