package spy

import (
	"testing"

	"openspy/internal/config"
	"openspy/trace"
)

func TestShortenFilename(t *testing.T) {
	s := &Spy{
		installPath:       "/usr",
		versionPathPrefix: "python3.11",
	}

	cases := []struct {
		in   string
		want string
	}{
		{"/usr/lib/python3.11/threading.py", "threading.py"},
		{"/usr/lib/python3.11/site-packages/numpy/core/numeric.py", "numpy/core/numeric.py"},
		{"/home/dev/app/main.py", "/home/dev/app/main.py"},
		{"unicode💩.py", "unicode💩.py"},
	}
	for _, tc := range cases {
		if got := s.shortenFilename(tc.in); got != tc.want {
			t.Errorf("shortenFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFilter(t *testing.T) {
	traces := []trace.StackTrace{
		{ThreadID: 1, Active: true, OwnsGIL: true},
		{ThreadID: 2, Active: true},
		{ThreadID: 3, Active: false},
	}

	t.Run("default keeps active", func(t *testing.T) {
		s := &Spy{Config: DefaultConfig()}
		got := s.filter(append([]trace.StackTrace(nil), traces...))
		if len(got) != 2 {
			t.Errorf("got %d traces, want 2", len(got))
		}
	})

	t.Run("include_idle keeps everything", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.IncludeIdle = true
		s := &Spy{Config: cfg}
		got := s.filter(append([]trace.StackTrace(nil), traces...))
		if len(got) != 3 {
			t.Errorf("got %d traces, want 3", len(got))
		}
	})

	t.Run("gil_only keeps the gil holder", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GILOnly = true
		s := &Spy{Config: cfg}
		got := s.filter(append([]trace.StackTrace(nil), traces...))
		if len(got) != 1 || got[0].ThreadID != 1 {
			t.Errorf("got %v, want only thread 1", got)
		}
	})
}

func TestConfigValidation(t *testing.T) {
	cfg := config.Default()
	cfg.Native = true
	cfg.NonBlocking = true
	if _, err := New(1, cfg); err == nil {
		t.Error("expected New to reject native + non_blocking")
	}
}
