// Package spy is the public surface of openspy: attach to a running
// CPython process by pid and read its threads' call stacks, or run a
// Sampler that does so continuously.
package spy

import (
	"fmt"
	"strings"
	"time"

	"openspy/internal/config"
	"openspy/internal/logging"
	"openspy/internal/native"
	"openspy/internal/proc"
	"openspy/internal/pybind"
	"openspy/internal/pyproc"
	"openspy/internal/pystack"
	"openspy/trace"
)

// Config selects what gets sampled and how. See internal/config for the
// yaml/env loading helpers.
type Config = config.Config

// DefaultConfig returns the stock sampling configuration.
func DefaultConfig() Config { return config.Default() }

// Spy reads stack traces out of one target process.
type Spy struct {
	Pid     int
	Process *proc.Process
	Version pybind.Version
	Config  Config

	layout             *pybind.Layout
	interpreterAddress uint64
	threadstateAddress uint64
	pythonFilename     string
	installPath        string
	versionPathPrefix  string // "pythonX.Y", for shortening filenames
	nativeStack        *native.Stack
}

// New attaches to a process and locates its interpreter.
func New(pid int, cfg Config) (*Spy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	process, err := proc.Open(pid)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			process.Close()
		}
	}()

	info, err := pyproc.NewProcessInfo(process)
	if err != nil {
		return nil, err
	}

	version, err := pyproc.DetectVersion(info, process)
	if err != nil {
		return nil, err
	}
	logging.Infof("spy: python version %s detected", version)

	layout, err := pybind.LayoutFor(version)
	if err != nil {
		return nil, err
	}

	interpreterAddress, err := pyproc.FindInterpreter(info, process, version, layout)
	if err != nil {
		return nil, err
	}
	logging.Infof("spy: found interpreter at 0x%016x", interpreterAddress)

	// Lets us figure out which thread holds the GIL.
	threadstateAddress, err := pyproc.ThreadStateAddress(info, version, cfg.GILOnly)
	if err != nil {
		return nil, err
	}

	s := &Spy{
		Pid:                pid,
		Process:            process,
		Version:            version,
		Config:             cfg,
		layout:             layout,
		interpreterAddress: interpreterAddress,
		threadstateAddress: threadstateAddress,
		pythonFilename:     info.PythonFilename,
		installPath:        info.InstallPath(),
		versionPathPrefix:  fmt.Sprintf("python%d.%d", version.Major, version.Minor),
	}

	if cfg.Native {
		libpython := ""
		if lib := findMapFilename(info, pyproc.IsPythonLib); lib != "" {
			libpython = lib
		}
		nativeStack, err := native.NewStack(process, info.PythonFilename, libpython)
		if err != nil {
			return nil, err
		}
		s.nativeStack = nativeStack
	}
	ok = true
	return s, nil
}

func findMapFilename(info *pyproc.ProcessInfo, pred func(string) bool) string {
	for i := range info.Maps {
		if info.Maps[i].Exec && pred(info.Maps[i].Filename) {
			return info.Maps[i].Filename
		}
	}
	return ""
}

// RetryNew attaches like New, retrying the full open-and-sample cycle.
// Useful right after the target starts, before the interpreter finishes
// initializing.
func RetryNew(pid int, cfg Config, attempts int) (*Spy, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		s, err := New(pid, cfg)
		if err == nil {
			// Verify a stack trace loads before declaring success.
			if _, err = s.StackTraces(); err == nil {
				return s, nil
			}
			s.Close()
		}
		lastErr = err
		logging.Infof("spy: failed to connect to process %d, retrying: %v", pid, err)
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

// Close releases the process handle. The Spy must not be used after.
func (s *Spy) Close() {
	s.Process.Close()
}

// StackTraces samples every interpreter thread once.
func (s *Spy) StackTraces() ([]trace.StackTrace, error) {
	var traces []trace.StackTrace
	var err error

	switch {
	case s.nativeStack != nil:
		// The native walk needs the same suspended snapshot as the
		// interpreted walk; the merge locks around both.
		traces, err = s.nativeStack.GetMergedTraces(s.rawTraces)
	case !s.Config.NonBlocking:
		traces, err = func() ([]trace.StackTrace, error) {
			lock, err := s.Process.Lock()
			if err != nil {
				return nil, err
			}
			defer lock.Release()
			return s.rawTraces()
		}()
	default:
		traces, err = s.rawTraces()
	}
	if err != nil {
		return nil, classifyGone(s.Process, err)
	}

	s.annotate(traces)
	return s.filter(traces), nil
}

// rawTraces walks the interpreter structures. Callers arrange any
// locking needed for consistency.
func (s *Spy) rawTraces() ([]trace.StackTrace, error) {
	opts := pystack.Options{LineNo: s.Config.LineNo}
	if s.Config.DumpLocals > 0 {
		opts.CopyLocals = true
		opts.ReprBudget = 128 * int(s.Config.DumpLocals)
	}
	return pystack.GetStackTraces(s.Process, s.Version, s.layout, s.interpreterAddress, s.Pid, opts)
}

// annotate fills in the fields that need process-level context: GIL
// ownership, thread names, shortened filenames and idle state.
func (s *Spy) annotate(traces []trace.StackTrace) {
	gilThreadID := s.gilThreadID()
	names := pystack.ThreadNameLookup(s.Process, s.Version, s.layout, s.interpreterAddress)

	activeByOS := s.osThreadActivity(traces)

	for i := range traces {
		t := &traces[i]
		if gilThreadID != 0 && t.ThreadID == gilThreadID {
			t.OwnsGIL = true
		}
		if name, ok := names[t.ThreadID]; ok {
			t.ThreadName = name
		}
		if t.OSThreadID != 0 {
			if active, ok := activeByOS[t.OSThreadID]; ok {
				t.Active = active
			}
		}
		for j := range t.Frames {
			frame := &t.Frames[j]
			frame.ShortFilename = s.shortenFilename(frame.Filename)
		}
	}
}

// osThreadActivity samples each OS thread's run state, keyed by thread
// id. Only meaningful when the traces carry OS thread ids.
func (s *Spy) osThreadActivity(traces []trace.StackTrace) map[uint64]bool {
	need := false
	for i := range traces {
		if traces[i].OSThreadID != 0 {
			need = true
			break
		}
	}
	if !need {
		return nil
	}
	threads, err := s.Process.Threads()
	if err != nil {
		return nil
	}
	activity := make(map[uint64]bool, len(threads))
	for _, t := range threads {
		if active, err := t.Active(); err == nil {
			activity[t.ID()] = active
		}
	}
	return activity
}

// filter applies the idle and gil-only policies.
func (s *Spy) filter(traces []trace.StackTrace) []trace.StackTrace {
	out := traces[:0]
	for i := range traces {
		t := traces[i]
		if s.Config.GILOnly && !t.OwnsGIL {
			continue
		}
		if !s.Config.IncludeIdle && !t.Active {
			continue
		}
		out = append(out, t)
	}
	return out
}

// gilThreadID reads the published current-thread-state pointer and
// returns its thread id, or 0 when GIL detection is unavailable.
func (s *Spy) gilThreadID() uint64 {
	if s.threadstateAddress == 0 {
		return 0
	}
	tstate, err := proc.CopyPtr(s.Process, s.threadstateAddress)
	if err != nil || tstate == 0 {
		return 0
	}
	threadID, err := proc.CopyUint64(s.Process, tstate+s.layout.ThreadID)
	if err != nil {
		return 0
	}
	return threadID
}

// shortenFilename strips the interpreter-installation boilerplate off
// filenames so output shows "threading.py", not six directories of
// prefix.
func (s *Spy) shortenFilename(filename string) string {
	short, ok := strings.CutPrefix(filename, s.installPath+"/")
	if !ok {
		return filename
	}
	if rest, ok := strings.CutPrefix(short, "lib/"); ok {
		short = rest
		if rest, ok := strings.CutPrefix(short, s.versionPathPrefix+"/"); ok {
			short = rest
		}
		if rest, ok := strings.CutPrefix(short, "site-packages/"); ok {
			short = rest
		}
	}
	return short
}

// classifyGone turns errors from a vanished target into ErrProcessGone.
func classifyGone(p *proc.Process, err error) error {
	if err == nil {
		return nil
	}
	if _, exeErr := p.Exe(); exeErr != nil {
		return proc.ErrProcessGone
	}
	return err
}
