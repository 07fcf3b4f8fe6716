package binparse

import (
	"errors"
	"os"
	"runtime"
	"testing"
)

func TestIsSubrange(t *testing.T) {
	cases := []struct {
		base, size, off, length uint64
		want                    bool
	}{
		{0, 100, 0, 100, true},
		{0, 100, 10, 20, true},
		{0, 100, 90, 20, false},
		{100, 50, 99, 10, false},
		{100, 50, 100, 50, true},
		// overflowing length
		{0, ^uint64(0), ^uint64(0) - 1, 10, false},
	}
	for _, tc := range cases {
		if got := isSubrange(tc.base, tc.size, tc.off, tc.length); got != tc.want {
			t.Errorf("isSubrange(%d, %d, %d, %d) = %v, want %v",
				tc.base, tc.size, tc.off, tc.length, got, tc.want)
		}
	}
}

func TestBinaryInfoContains(t *testing.T) {
	info := &BinaryInfo{Addr: 0x1000, Size: 0x1000}
	if !info.Contains(0x1000) || !info.Contains(0x1fff) {
		t.Error("Contains should cover the mapped range")
	}
	if info.Contains(0xfff) || info.Contains(0x2000) {
		t.Error("Contains should exclude addresses outside the range")
	}
}

func TestParseUnrecognized(t *testing.T) {
	_, err := Parse([]byte("definitely not a binary"), "garbage", 0, 0)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Kind != UnhandledFormat {
		t.Errorf("Kind = %d, want UnhandledFormat", parseErr.Kind)
	}
}

func TestParseTruncatedELF(t *testing.T) {
	_, err := Parse([]byte("\x7fELF\x02\x01\x01"), "short.so", 0, 0)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Kind != MalformedHeader {
		t.Errorf("Kind = %d, want MalformedHeader", parseErr.Kind)
	}
}

func TestParseOwnExecutable(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF expectations are linux-specific")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test executable: %v", err)
	}

	info, err := ParseFile(exe, 0, 1<<40)
	if err != nil {
		t.Fatalf("ParseFile(%s) failed: %v", exe, err)
	}
	if len(info.Symbols) == 0 {
		t.Error("expected a non-empty symbol table from the test binary")
	}
	if len(info.BSS) == 0 {
		t.Error("expected a .bss section in the test binary")
	}
}
