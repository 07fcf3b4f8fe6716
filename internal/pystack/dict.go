package pystack

import (
	"fmt"

	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// PyDictObject offsets (3.6+): ma_used, ma_version_tag, ma_keys,
// ma_values.
const (
	dictKeys   = 0x20
	dictValues = 0x28
)

// PyDictKeysObject offsets. 3.6-3.10 store dk_size as a word; 3.11 packs
// log2 sizes into bytes and introduced unicode-only entry tables.
const (
	dkSize           = 0x8
	dkNentries       = 0x20
	dkIndices        = 0x28
	dkLog2Size       = 0x8
	dkLog2IndexBytes = 0x9
	dkKind           = 0xa
	dkNentries311    = 0x18
	dkIndices311     = 0x20
)

// DictIterator yields (key, value) object addresses from a dict in the
// target. Only the table formats of 3.6 through 3.12 are handled;
// earlier interpreters' combined tables have more variants than the
// value justifies.
type DictIterator struct {
	mem        proc.Memory
	entriesAddr uint64
	entrySize  uint64
	// hashOffset is the size of the hash slot preceding key/value; zero
	// for 3.11+ unicode-keyed tables.
	hashOffset uint64
	index      uint64
	entries    uint64
	valuesAddr uint64
}

// NewDictIterator prepares iteration over the dict at addr.
func NewDictIterator(mem proc.Memory, v pybind.Version, addr uint64) (*DictIterator, error) {
	if v.Major != 3 || v.Minor < 6 {
		return nil, fmt.Errorf("pystack: dict iteration requires python 3.6+")
	}

	keys, err := proc.CopyPtr(mem, addr+dictKeys)
	if err != nil {
		return nil, err
	}
	if keys == 0 {
		return nil, fmt.Errorf("pystack: dict has no key table")
	}
	values, err := proc.CopyPtr(mem, addr+dictValues)
	if err != nil {
		return nil, err
	}

	it := &DictIterator{mem: mem, valuesAddr: values}

	if v.Minor >= 11 {
		log2Size, err := mem.Copy(keys+dkLog2Size, 3)
		if err != nil {
			return nil, err
		}
		indexBytes := uint64(1) << log2Size[dkLog2IndexBytes-dkLog2Size]
		kind := log2Size[dkKind-dkLog2Size]

		nentries, err := proc.CopyUint64(mem, keys+dkNentries311)
		if err != nil {
			return nil, err
		}
		size := uint64(1) << log2Size[0]
		it.entries = nentries
		it.entriesAddr = keys + dkIndices311 + size*indexBytes
		if kind == 0 {
			// general table: {hash, key, value}
			it.entrySize = 24
			it.hashOffset = 8
		} else {
			// unicode-keyed table: {key, value}, hash lives in the key
			it.entrySize = 16
			it.hashOffset = 0
		}
		return it, nil
	}

	size, err := proc.CopyUint64(mem, keys+dkSize)
	if err != nil {
		return nil, err
	}
	var indexBytes uint64
	switch {
	case size <= 0xff:
		indexBytes = 1
	case size <= 0xffff:
		indexBytes = 2
	case size <= 0xffffffff:
		indexBytes = 4
	default:
		indexBytes = 8
	}
	nentries, err := proc.CopyUint64(mem, keys+dkNentries)
	if err != nil {
		return nil, err
	}
	it.entries = nentries
	it.entriesAddr = keys + dkIndices + size*indexBytes
	it.entrySize = 24
	it.hashOffset = 8
	return it, nil
}

// Next returns the next live (key, value) pair. ok is false when the
// table is exhausted.
func (it *DictIterator) Next() (key, value uint64, ok bool, err error) {
	if it.entries > maxTraversal {
		return 0, 0, false, fmt.Errorf("pystack: implausible dict entry count %d", it.entries)
	}
	for it.index < it.entries {
		entryAddr := it.entriesAddr + it.index*it.entrySize
		it.index++

		key, err = proc.CopyPtr(it.mem, entryAddr+it.hashOffset)
		if err != nil {
			return 0, 0, false, err
		}
		if key == 0 {
			// deleted or never-filled slot
			continue
		}

		if it.valuesAddr != 0 {
			// split table: the values live in a side array indexed
			// like the entries
			value, err = proc.CopyPtr(it.mem, it.valuesAddr+(it.index-1)*8)
		} else {
			value, err = proc.CopyPtr(it.mem, entryAddr+it.hashOffset+8)
		}
		if err != nil {
			return 0, 0, false, err
		}
		return key, value, true, nil
	}
	return 0, 0, false, nil
}
