package pybind

import (
	"testing"
)

func TestScanBytes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Version
	}{
		{
			"python 2",
			"2.7.10 (default, Oct  6 2017, 22:29:07)",
			Version{Major: 2, Minor: 7, Patch: 10},
		},
		{
			"anaconda banner",
			"3.6.3 |Anaconda custom (64-bit)| (default, Oct  6 2017, 12:04:38)",
			Version{Major: 3, Minor: 6, Patch: 3},
		},
		{
			"release candidate",
			"Python 3.7.0rc1 (v3.7.0rc1:dfad352267, Jul 20 2018, 13:27:54)",
			Version{Major: 3, Minor: 7, Patch: 0, ReleaseFlags: "rc1"},
		},
		{
			"two digit minor",
			"Python 3.10.0rc1 (tags/v3.10.0rc1, Aug 28 2021, 18:25:40)",
			Version{Major: 3, Minor: 10, Patch: 0, ReleaseFlags: "rc1"},
		},
		{
			"3.12",
			"3.12.1 (main, Dec  8 2023, 14:21:33) [GCC 13.2.0]",
			Version{Major: 3, Minor: 12, Patch: 1},
		},
		{
			// Debian ships "2.7.15+" as a version string.
			"bare plus",
			"2.7.15+ (default, Oct  2 2018, 22:12:08)",
			Version{Major: 2, Minor: 7, Patch: 15, BuildMetadata: ""},
		},
		{
			"build metadata",
			"2.7.10+dcba (default)",
			Version{Major: 2, Minor: 7, Patch: 10, BuildMetadata: "dcba"},
		},
		{
			"dotted metadata",
			"2.7.10+5-4.abcd (default)",
			Version{Major: 2, Minor: 7, Patch: 10, BuildMetadata: "5-4.abcd"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ScanBytes([]byte(tc.in))
			if err != nil {
				t.Fatalf("ScanBytes failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("ScanBytes = %+v, want %+v", got, tc.want)
			}
		})
	}

	t.Run("rejects unsupported major", func(t *testing.T) {
		if _, err := ScanBytes([]byte("1.7.0rc1 (v1.7.0rc1:dfad352267)")); err == nil {
			t.Error("matched an unsupported major version")
		}
	})

	t.Run("needs dotted version", func(t *testing.T) {
		if _, err := ScanBytes([]byte("3.7 10 ")); err == nil {
			t.Error("matched a non-dotted version")
		}
	})

	t.Run("limits suffixes", func(t *testing.T) {
		if _, err := ScanBytes([]byte("3.7.10fooboo ")); err == nil {
			t.Error("matched an arbitrary suffix")
		}
	})
}

func TestLayoutFor(t *testing.T) {
	cases := []struct {
		version Version
		head    uint64
		err     bool
	}{
		{Version{Major: 2, Minor: 7, Patch: 15}, 0x8, false},
		{Version{Major: 3, Minor: 6, Patch: 6}, 0x8, false},
		{Version{Major: 3, Minor: 11, Patch: 4}, 0x10, false},
		{Version{Major: 3, Minor: 12, Patch: 0}, 0x40, false},
		{Version{Major: 3, Minor: 2, Patch: 0}, 0, true},
		{Version{Major: 4, Minor: 0, Patch: 0}, 0, true},
	}
	for _, tc := range cases {
		layout, err := LayoutFor(tc.version)
		if tc.err {
			if err == nil {
				t.Errorf("LayoutFor(%s): expected error", tc.version)
			}
			continue
		}
		if err != nil {
			t.Errorf("LayoutFor(%s): %v", tc.version, err)
			continue
		}
		if layout.InterpHead != tc.head {
			t.Errorf("LayoutFor(%s).InterpHead = %#x, want %#x", tc.version, layout.InterpHead, tc.head)
		}
	}

	t.Run("early 3.8 alphas keep 3.7 ABI", func(t *testing.T) {
		a2, err := LayoutFor(Version{Major: 3, Minor: 8, Patch: 0, ReleaseFlags: "a2"})
		if err != nil {
			t.Fatal(err)
		}
		v37, _ := LayoutFor(Version{Major: 3, Minor: 7, Patch: 4})
		if a2 != v37 {
			t.Error("3.8.0a2 should share the 3.7 layout")
		}
	})
}

func TestVersionString(t *testing.T) {
	v := Version{Major: 3, Minor: 11, Patch: 2, ReleaseFlags: "rc1", BuildMetadata: "deb1"}
	if got := v.String(); got != "3.11.2rc1+deb1" {
		t.Errorf("String() = %q", got)
	}
}
