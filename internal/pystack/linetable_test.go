package pystack

import (
	"testing"

	"openspy/internal/pybind"
)

func TestDecodeLnotab(t *testing.T) {
	table := []byte{0, 1, 10, 1, 8, 1, 4, 1}

	cases := []struct {
		lasti int64
		want  int32
	}{
		{0, 4},
		{10, 5},
		{17, 5},
		{18, 6},
		{30, 7},
		{1000, 7},
	}
	for _, tc := range cases {
		got := DecodeLineTable(pybind.LineTableLnotab, tc.lasti, 3, table)
		if got != tc.want {
			t.Errorf("lnotab lasti=%d: got line %d, want %d", tc.lasti, got, tc.want)
		}
	}
}

func TestDecode310(t *testing.T) {
	// Ranges in bytecode bytes: [0,8) line+1, [8,16) line+2, [16,20)
	// no line change; lasti counts 2-byte instructions.
	table := []byte{8, 1, 8, 1, 4, 0x80}

	cases := []struct {
		lasti int64
		want  int32
	}{
		{0, 11},
		{3, 11},
		{4, 12},
		{7, 12},
		{9, 12},
		// out of range falls back to the first line
		{100, 10},
	}
	for _, tc := range cases {
		got := DecodeLineTable(pybind.LineTable310, tc.lasti, 10, table)
		if got != tc.want {
			t.Errorf("3.10 lasti=%d: got line %d, want %d", tc.lasti, got, tc.want)
		}
	}
}

func TestDecode311(t *testing.T) {
	table := []byte{
		// no-column entry, 1 code unit, line delta +3
		0x80 | locationNoColumns<<3 | 0, 0x06,
		// short-form entry, 2 code units, same line, packed column byte
		0x80 | 0<<3 | 1, 0x00,
		// no-location entry, 1 code unit
		0x80 | locationNone<<3 | 0,
	}

	cases := []struct {
		lasti int64
		want  int32
	}{
		{0, 8},  // first entry: 5 + 3
		{2, 8},  // second entry keeps the line
		{4, 8},
		{6, 0},  // no-location bytecode reports unknown
		{100, 5}, // out of range falls back to the first line
	}
	for _, tc := range cases {
		got := DecodeLineTable(pybind.LineTable311, tc.lasti, 5, table)
		if got != tc.want {
			t.Errorf("3.11 lasti=%d: got line %d, want %d", tc.lasti, got, tc.want)
		}
	}
}

func TestDecode311LongForm(t *testing.T) {
	// long-form entry, 1 code unit: line delta -2, then end line,
	// column, end column varints that must be skipped.
	table := []byte{
		0x80 | locationLong<<3 | 0,
		0x05, // signed varint: -2
		0x00, 0x01, 0x02,
	}
	got := DecodeLineTable(pybind.LineTable311, 0, 20, table)
	if got != 18 {
		t.Errorf("long form: got line %d, want 18", got)
	}
}

func TestDecodeCorruptTable(t *testing.T) {
	// An entry without the framing bit set means we lost sync; the
	// decoder should fall back to the first line rather than walk off.
	table := []byte{0x12, 0x34}
	got := DecodeLineTable(pybind.LineTable311, 0, 7, table)
	if got != 7 {
		t.Errorf("corrupt table: got line %d, want 7", got)
	}
}

func TestSignedVarint(t *testing.T) {
	cases := []struct {
		data []byte
		want int32
		n    int
	}{
		{[]byte{0x06}, 3, 1},
		{[]byte{0x05}, -2, 1},
		{[]byte{0x00}, 0, 1},
		// multi-byte: 0x40 continuation bit, value 4|1<<6 = 68 → +34
		{[]byte{0x44, 0x01}, 34, 2},
	}
	for _, tc := range cases {
		got, n := readSignedVarint(tc.data)
		if got != tc.want || n != tc.n {
			t.Errorf("readSignedVarint(%v) = (%d, %d), want (%d, %d)", tc.data, got, n, tc.want, tc.n)
		}
	}
}
