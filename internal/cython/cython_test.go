package cython

import (
	"testing"
)

func TestDemangle(t *testing.T) {
	// all of these went wrong at some point while writing the demangler
	cases := []struct {
		in   string
		want string
	}{
		{"__pyx_pf_8implicit_4_als_30_least_squares_cg", "_least_squares_cg"},
		{"__pyx_pw_8implicit_4_als_5least_squares_cg", "least_squares_cg"},
		{"__pyx_fuse_1_0__pyx_pw_8implicit_4_als_31_least_squares_cg", "_least_squares_cg"},
		{"__pyx_f_6mtrand_cont0_array", "mtrand_cont0_array"},
		// ideally the module prefix would go too, but slicing it off
		// correctly is trickier than it's worth
		{"__pyx_fuse_0__pyx_f_8implicit_4_als_axpy", "_als_axpy"},
		{"__pyx_fuse_1__pyx_f_8implicit_3bpr_has_non_zero", "bpr_has_non_zero"},
		// not cython at all
		{"PyEval_EvalFrameDefault", "PyEval_EvalFrameDefault"},
	}
	for _, tc := range cases {
		if got := Demangle(tc.in); got != tc.want {
			t.Errorf("Demangle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIgnoreFrame(t *testing.T) {
	if !IgnoreFrame("__Pyx_PyObject_Call") {
		t.Error("call shim should be ignored")
	}
	if IgnoreFrame("__pyx_pw_8implicit_4_als_5least_squares_cg") {
		t.Error("real cython function should not be ignored")
	}
}

const generatedC = `
/* Generated by Cython */
static int noise;
  /* "cython_test.pyx":6
 * def first():
 */
static PyObject *__pyx_pf_11cython_test_first(void) {
  int x = 1;
  /* "cython_test.pyx":10
 * def second():
 */
  x += 1;
  /* "cython_test.pyx":9
 */
  return NULL;
}
`

func TestSourceMap(t *testing.T) {
	m := newSourceMap(generatedC, "cython_test.c", "")

	// lines before the first marker have no mapping
	if _, _, ok := m.lookup(2); ok {
		t.Error("expected no mapping before the first marker")
	}
	// lines far past the end map to the EOF sentinel
	if _, _, ok := m.lookup(10000); ok {
		t.Error("expected no mapping past EOF")
	}

	cases := []struct {
		cLine    uint32
		pyxFile  string
		pyxLine  uint32
	}{
		{8, "cython_test.pyx", 6},
		{12, "cython_test.pyx", 10},
		{16, "cython_test.pyx", 9},
	}
	for _, tc := range cases {
		file, line, ok := m.lookup(tc.cLine)
		if !ok {
			t.Errorf("lookup(%d): no mapping", tc.cLine)
			continue
		}
		if file != tc.pyxFile || line != tc.pyxLine {
			t.Errorf("lookup(%d) = %s:%d, want %s:%d", tc.cLine, file, line, tc.pyxFile, tc.pyxLine)
		}
	}
}
