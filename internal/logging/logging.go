// Package logging is the profiler's diagnostics sink. Sampling runs
// hundreds of times a second, so a broken frame chain or an undecodable
// line table would repeat its warning at the sampling rate; Degraded
// reports such a condition once per site and counts the rest, and Close
// prints the suppression totals so the information isn't lost.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	mu      sync.Mutex
	out     = log.New(os.Stderr, "", log.Ldate|log.Ltime)
	logFile *os.File
	logDir  string

	// degradedCounts maps a degradation site to how often it fired.
	degradedCounts sync.Map // string → *atomic.Uint64
)

// Init routes diagnostics to stderr, or to a dated file under
// ~/.openspy/logs when toFile is set (so they don't interleave with
// sampled output on stdout).
func Init(toFile bool) error {
	if !toFile {
		mu.Lock()
		out.SetOutput(os.Stderr)
		mu.Unlock()
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	dir := filepath.Join(homeDir, ".openspy", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("openspy-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("logging: failed to open log file: %w", err)
	}

	mu.Lock()
	logFile = f
	logDir = dir
	out.SetOutput(f)
	mu.Unlock()

	Infof("logging: session started (pid %d)", os.Getpid())
	return nil
}

// Close prints the suppressed-warning totals accumulated by Degraded
// and closes the log file if one is open.
func Close() {
	type site struct {
		key   string
		count uint64
	}
	var sites []site
	degradedCounts.Range(func(key, value any) bool {
		if n := value.(*atomic.Uint64).Load(); n > 1 {
			sites = append(sites, site{key: key.(string), count: n - 1})
		}
		return true
	})
	sort.Slice(sites, func(i, j int) bool { return sites[i].count > sites[j].count })
	for _, s := range sites {
		Warnf("logging: suppressed %d repeats of: %s", s.count, s.key)
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Discard silences all diagnostics.
func Discard() {
	mu.Lock()
	out.SetOutput(io.Discard)
	mu.Unlock()
}

// GetLogDir returns the directory logs are written to, when file
// logging is active.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	return logDir
}

// Infof records progress: attach, version detection, symbol hits.
func Infof(format string, args ...any) {
	out.Printf("INFO  "+format, args...)
}

// Warnf records a degraded but survivable condition.
func Warnf(format string, args ...any) {
	out.Printf("WARN  "+format, args...)
}

// Errorf records a failure worth operator attention, like a thread that
// could not be resumed.
func Errorf(format string, args ...any) {
	out.Printf("ERROR "+format, args...)
}

// Fatalf logs like Errorf and exits. Inside the library it is used only
// for states worse than crashing, like leaving a target suspended;
// cmd/spydump also uses it for its own fatal errors.
func Fatalf(format string, args ...any) {
	out.Printf("FATAL "+format, args...)
	os.Exit(1)
}

// Degraded reports a per-sample degradation (line table failed to
// decode, frame chain truncated) identified by site. The first
// occurrence is logged; repeats only increment a counter that Close
// reports, so a hot broken frame doesn't flood the log at the sampling
// rate.
func Degraded(site, format string, args ...any) {
	counter, _ := degradedCounts.LoadOrStore(site, new(atomic.Uint64))
	if counter.(*atomic.Uint64).Add(1) == 1 {
		Warnf(format+" (repeats of this are counted, not logged)", args...)
	}
}
