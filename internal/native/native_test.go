//go:build linux

package native

import "testing"

func TestDropFrame(t *testing.T) {
	cases := []struct {
		function string
		module   string
		want     bool
	}{
		{"__libc_start_main", "/usr/lib/x86_64-linux-gnu/libc-2.31.so", true},
		{"__clone", "/usr/lib/libc.so.6", true},
		{"start_thread", "/usr/lib/libpthread-2.31.so", true},
		// same names in other modules stay
		{"start_thread", "/opt/custom/librt.so", false},
		{"main", "/usr/bin/python3.11", false},
	}
	for _, tc := range cases {
		if got := dropFrame(tc.function, tc.module); got != tc.want {
			t.Errorf("dropFrame(%q, %q) = %v, want %v", tc.function, tc.module, got, tc.want)
		}
	}
}

func TestEvalLoopRecognition(t *testing.T) {
	for _, name := range []string{
		"PyEval_EvalFrameDefault",
		"_PyEval_EvalFrameDefault",
		"__PyEval_EvalFrameDefault",
		"PyEval_EvalFrameEx",
	} {
		if !evalLoopFunctions[name] {
			t.Errorf("%s should be recognized as the evaluation loop", name)
		}
	}
	if evalLoopFunctions["PyEval_EvalCode"] {
		t.Error("PyEval_EvalCode is not the evaluation loop")
	}
}
