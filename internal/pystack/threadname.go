package pystack

import (
	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// ThreadNameLookup maps interpreter thread ids to the names assigned in
// the target's threading module, by walking sys.modules for "threading"
// and reading its _active dict. Relies on dict iteration, so it only
// works on 3.6+, and not at all if the target never imported threading;
// callers treat a nil map as "no names available".
func ThreadNameLookup(mem proc.Memory, v pybind.Version, lay *pybind.Layout, interpAddr uint64) map[uint64]string {
	names, err := threadNameLookup(mem, v, lay, interpAddr)
	if err != nil {
		return nil
	}
	return names
}

func threadNameLookup(mem proc.Memory, v pybind.Version, lay *pybind.Layout, interpAddr uint64) (map[uint64]string, error) {
	modulesAddr, err := proc.CopyPtr(mem, interpAddr+lay.InterpModules)
	if err != nil {
		return nil, err
	}
	modules, err := NewDictIterator(mem, v, modulesAddr)
	if err != nil {
		return nil, err
	}

	for {
		key, value, ok, err := modules.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		moduleName, err := CopyString(mem, v, key)
		if err != nil || moduleName != "threading" {
			continue
		}

		moduleDict, err := objectDict(mem, v, value)
		if err != nil {
			return nil, err
		}
		activeAddr, err := dictLookupString(mem, v, moduleDict, "_active")
		if err != nil || activeAddr == 0 {
			return nil, err
		}
		return readActiveThreads(mem, v, activeAddr)
	}
}

// readActiveThreads walks threading._active: thread id → Thread object,
// pulling each thread's _name attribute.
func readActiveThreads(mem proc.Memory, v pybind.Version, activeAddr uint64) (map[uint64]string, error) {
	active, err := NewDictIterator(mem, v, activeAddr)
	if err != nil {
		return nil, err
	}

	names := make(map[uint64]string)
	for {
		key, value, ok, err := active.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return names, nil
		}
		threadID, overflowed, err := copyLong(mem, v, key)
		if err != nil || overflowed {
			continue
		}

		threadDict, err := objectDict(mem, v, value)
		if err != nil || threadDict == 0 {
			continue
		}
		nameAddr, err := dictLookupString(mem, v, threadDict, "_name")
		if err != nil || nameAddr == 0 {
			continue
		}
		name, err := CopyString(mem, v, nameAddr)
		if err != nil {
			continue
		}
		names[uint64(threadID)] = name
	}
}

// objectDict finds an object's attribute dict: through tp_dictoffset, or
// for managed-dict layouts (3.11+) through the slot the interpreter
// keeps just before the object.
func objectDict(mem proc.Memory, v pybind.Version, addr uint64) (uint64, error) {
	typePtr, err := proc.CopyPtr(mem, addr+pybind.ObjectType)
	if err != nil {
		return 0, err
	}
	flags, err := proc.CopyUint64(mem, typePtr+typeFlags)
	if err != nil {
		return 0, err
	}

	if flags&tpflagsManagedDict != 0 {
		// Managed dicts store a PyDictOrValues slot before the object
		// header. The low bit marks an unmaterialized values array,
		// which we don't chase.
		slot, err := proc.CopyPtr(mem, addr-3*8)
		if err != nil {
			return 0, err
		}
		if slot&1 != 0 {
			return 0, nil
		}
		return slot, nil
	}

	dictOffset, err := proc.CopyInt64(mem, typePtr+typeDictOffset)
	if err != nil {
		return 0, err
	}
	if dictOffset == 0 {
		return 0, nil
	}
	return proc.CopyPtr(mem, uint64(int64(addr)+dictOffset))
}

// dictLookupString scans a dict for a string key and returns the value's
// address, or 0 when absent.
func dictLookupString(mem proc.Memory, v pybind.Version, dictAddr uint64, want string) (uint64, error) {
	if dictAddr == 0 {
		return 0, nil
	}
	it, err := NewDictIterator(mem, v, dictAddr)
	if err != nil {
		return 0, err
	}
	for {
		key, value, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		name, err := CopyString(mem, v, key)
		if err != nil {
			continue
		}
		if name == want {
			return value, nil
		}
	}
}
