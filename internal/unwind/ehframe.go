package unwind

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ehFrame holds a binary's .eh_frame section and its load address in the
// target, plus parsed CIEs keyed by section offset.
type ehFrame struct {
	data []byte
	addr uint64
	cies map[uint64]*cie
}

func newEhFrame(data []byte, addr uint64) *ehFrame {
	return &ehFrame{data: data, addr: addr, cies: make(map[uint64]*cie)}
}

// cieAt parses (and caches) the CIE at a section offset.
func (e *ehFrame) cieAt(offset uint64) (*cie, error) {
	if c, ok := e.cies[offset]; ok {
		return c, nil
	}
	if offset+8 > uint64(len(e.data)) {
		return nil, fmt.Errorf("unwind: CIE offset %#x out of range", offset)
	}
	length := uint64(binary.LittleEndian.Uint32(e.data[offset:]))
	start := offset + 4
	if length == 0xffffffff {
		length = binary.LittleEndian.Uint64(e.data[offset+4:])
		start = offset + 12
	}
	if start+length > uint64(len(e.data)) {
		return nil, fmt.Errorf("unwind: CIE at %#x overruns section", offset)
	}
	id := binary.LittleEndian.Uint32(e.data[start:])
	if id != 0 {
		return nil, fmt.Errorf("unwind: entry at %#x is not a CIE", offset)
	}
	c, err := parseCIE(e.data[start+4 : start+length])
	if err != nil {
		return nil, err
	}
	e.cies[offset] = c
	return c, nil
}

// fdeAt parses the FDE at a section offset.
func (e *ehFrame) fdeAt(offset uint64) (*fde, error) {
	if offset+8 > uint64(len(e.data)) {
		return nil, fmt.Errorf("unwind: FDE offset %#x out of range", offset)
	}
	length := uint64(binary.LittleEndian.Uint32(e.data[offset:]))
	start := offset + 4
	if length == 0xffffffff {
		length = binary.LittleEndian.Uint64(e.data[offset+4:])
		start = offset + 12
	}
	if length == 0 || start+length > uint64(len(e.data)) {
		return nil, fmt.Errorf("unwind: FDE at %#x overruns section", offset)
	}

	// The CIE pointer counts backwards from its own position.
	ciePtr := binary.LittleEndian.Uint32(e.data[start:])
	if ciePtr == 0 {
		return nil, fmt.Errorf("unwind: entry at %#x is a CIE, not an FDE", offset)
	}
	cieOffset := start - uint64(ciePtr)
	c, err := e.cieAt(cieOffset)
	if err != nil {
		return nil, err
	}

	r := &byteReader{data: e.data[start+4 : start+length]}
	fieldAddr := e.addr + start + 4
	begin, err := r.readEncoded(c.fdeEncoding, fieldAddr, 0)
	if err != nil {
		return nil, err
	}
	// The range shares the FDE encoding's width but is never relative.
	rng, err := r.readEncoded(c.fdeEncoding&0x0f, 0, 0)
	if err != nil {
		return nil, err
	}
	if c.augmentationLen {
		augLen, err := r.uleb()
		if err != nil {
			return nil, err
		}
		if _, err := r.bytes(int(augLen)); err != nil {
			return nil, err
		}
	}

	return &fde{
		begin:   begin,
		length:  rng,
		cie:     c,
		program: r.data[r.pos:],
	}, nil
}

// allFDEs linearly scans the whole section. Mach-O binaries carry no
// eh_frame_hdr, so this is how their tables get built.
func (e *ehFrame) allFDEs() []*fde {
	var fdes []*fde
	var offset uint64
	for offset+4 <= uint64(len(e.data)) {
		rawLength := uint64(binary.LittleEndian.Uint32(e.data[offset:]))
		if rawLength == 0 {
			break
		}
		idPos := offset + 4
		next := offset + 4 + rawLength
		if rawLength == 0xffffffff {
			if offset+12 > uint64(len(e.data)) {
				break
			}
			idPos = offset + 12
			next = offset + 12 + binary.LittleEndian.Uint64(e.data[offset+4:])
		}
		if next <= offset || next > uint64(len(e.data)) {
			break
		}
		if idPos+4 <= uint64(len(e.data)) && binary.LittleEndian.Uint32(e.data[idPos:]) != 0 {
			if f, err := e.fdeAt(offset); err == nil {
				fdes = append(fdes, f)
			}
		}
		offset = next
	}
	sort.Slice(fdes, func(i, j int) bool { return fdes[i].begin < fdes[j].begin })
	return fdes
}

// ehFrameHdr is the binary-search table the linker builds over the FDEs.
type ehFrameHdr struct {
	frameAddr uint64
	// entries are (function start, fde address) pairs, ascending.
	starts []uint64
	fdes   []uint64
}

// parseEhFrameHdr decodes an .eh_frame_hdr section loaded at hdrAddr.
func parseEhFrameHdr(data []byte, hdrAddr uint64) (*ehFrameHdr, error) {
	r := &byteReader{data: data}
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("unwind: unsupported eh_frame_hdr version %d", version)
	}
	framePtrEnc, err := r.u8()
	if err != nil {
		return nil, err
	}
	countEnc, err := r.u8()
	if err != nil {
		return nil, err
	}
	tableEnc, err := r.u8()
	if err != nil {
		return nil, err
	}

	frameAddr, err := r.readEncoded(framePtrEnc, hdrAddr, hdrAddr)
	if err != nil {
		return nil, err
	}
	count, err := r.readEncoded(countEnc, hdrAddr, hdrAddr)
	if err != nil {
		return nil, err
	}

	hdr := &ehFrameHdr{frameAddr: frameAddr}
	for i := uint64(0); i < count; i++ {
		start, err := r.readEncoded(tableEnc, hdrAddr, hdrAddr)
		if err != nil {
			return nil, err
		}
		fdeAddr, err := r.readEncoded(tableEnc, hdrAddr, hdrAddr)
		if err != nil {
			return nil, err
		}
		hdr.starts = append(hdr.starts, start)
		hdr.fdes = append(hdr.fdes, fdeAddr)
	}
	return hdr, nil
}

// lookup finds the FDE address covering pc via binary search.
func (h *ehFrameHdr) lookup(pc uint64) (uint64, bool) {
	idx := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] > pc })
	if idx == 0 {
		return 0, false
	}
	return h.fdes[idx-1], true
}
