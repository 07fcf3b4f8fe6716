package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	out.SetOutput(&buf)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		out.SetOutput(&buf) // keep late writes from hitting stderr
		mu.Unlock()
	})
	return &buf
}

func TestSeverityPrefixes(t *testing.T) {
	buf := captureOutput(t)

	Infof("attached to pid %d", 42)
	Warnf("line table truncated")
	Errorf("failed to resume thread %d", 7)

	got := buf.String()
	for _, want := range []string{"INFO  attached to pid 42", "WARN  line table truncated", "ERROR failed to resume thread 7"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDegradedSuppressesRepeats(t *testing.T) {
	buf := captureOutput(t)

	for i := 0; i < 50; i++ {
		Degraded("test-site-a", "failed to decode line table for %s", "work.py")
	}

	got := buf.String()
	if n := strings.Count(got, "failed to decode line table"); n != 1 {
		t.Errorf("degradation logged %d times, want once:\n%s", n, got)
	}

	counter, ok := degradedCounts.Load("test-site-a")
	if !ok {
		t.Fatal("no counter recorded for site")
	}
	if n := counter.(*atomic.Uint64).Load(); n != 50 {
		t.Errorf("counter = %d, want 50", n)
	}
}

func TestCloseReportsSuppressionTotals(t *testing.T) {
	buf := captureOutput(t)

	for i := 0; i < 10; i++ {
		Degraded("test-site-b", "frame chain truncated in pid %d", 99)
	}
	Close()

	if !strings.Contains(buf.String(), "suppressed 9 repeats") {
		t.Errorf("Close did not report suppression totals:\n%s", buf.String())
	}
}
