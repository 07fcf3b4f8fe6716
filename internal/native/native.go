// Package native interleaves native (C/C++/Cython) stacks with
// interpreted ones. Each evaluation-loop frame on the hardware stack
// corresponds to exactly one interpreted frame, which is the hinge the
// merge pivots on.
package native

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"openspy/internal/cython"
	"openspy/internal/proc"
	"openspy/internal/unwind"
	"openspy/trace"
)

// ErrMergeMismatch means the count of evaluation-loop native frames
// didn't line up with the interpreted stack, so the merged result would
// be wrong.
var ErrMergeMismatch = errors.New("failed to merge native and python frames")

// evalLoopFunctions are the interpreter's bytecode evaluation loops
// across versions and platforms' symbol spellings.
var evalLoopFunctions = map[string]bool{
	"PyEval_EvalFrameDefault":    true,
	"_PyEval_EvalFrameDefault":   true,
	"__PyEval_EvalFrameDefault":  true,
	"PyEval_EvalFrameEx":         true,
}

// sleepFunctions are interpreter internals worth keeping as native
// frames: a thread in time.sleep would otherwise show no hint of it.
var sleepFunctions = map[string]bool{
	"time_sleep":  true,
	"_time_sleep": true,
}

// Stack unwinds and merges native stacks for one target process.
type Stack struct {
	process           *proc.Process
	unwinder          *unwind.Unwinder
	cythonMaps        *cython.SourceMaps
	pythonFilename    string
	libpythonFilename string
	shouldReload      bool
}

// NewStack prepares native unwinding for a target.
func NewStack(p *proc.Process, pythonFilename, libpythonFilename string) (*Stack, error) {
	unwinder, err := unwind.NewUnwinder(p)
	if err != nil {
		return nil, fmt.Errorf("native: failed to load unwind info: %w", err)
	}
	return &Stack{
		process:           p,
		unwinder:          unwinder,
		cythonMaps:        cython.NewSourceMaps(),
		pythonFilename:    pythonFilename,
		libpythonFilename: libpythonFilename,
	}, nil
}

// GetMergedTraces collects interpreted and native stacks under a single
// process-wide lock so both see the same suspended snapshot, then
// releases the lock and merges/symbolicates.
func (n *Stack) GetMergedTraces(pythonTraces func() ([]trace.StackTrace, error)) ([]trace.StackTrace, error) {
	if n.shouldReload {
		if err := n.unwinder.Reload(); err != nil {
			return nil, err
		}
		n.shouldReload = false
	}

	nativeStacks := make(map[uint64][]uint64)
	threadIDMap := make(map[uint64]uint64) // interpreter thread id → os thread id
	var traces []trace.StackTrace

	err := func() error {
		lock, err := n.process.Lock()
		if err != nil {
			return err
		}
		defer lock.Release()

		traces, err = pythonTraces()
		if err != nil {
			return err
		}
		threadIDs := make(map[uint64]bool, len(traces))
		for i := range traces {
			threadIDs[traces[i].ThreadID] = true
		}

		threads, err := n.process.Threads()
		if err != nil {
			return err
		}
		for _, thread := range threads {
			stack, pythonThreadID, err := n.walkThread(threadIDs, thread)
			if err != nil {
				return err
			}
			osThreadID := thread.ID()
			nativeStacks[osThreadID] = stack
			if _, taken := threadIDMap[pythonThreadID]; !taken {
				threadIDMap[pythonThreadID] = osThreadID
			}
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}

	// Symbolication may hit the filesystem, so it happens unlocked.
	for i := range traces {
		osThreadID, ok := threadIDMap[traces[i].ThreadID]
		if !ok {
			// An OS thread that never entered the interpreter can't be
			// matched; attribute the unmatched stack rather than drop
			// the trace.
			osThreadID = threadIDMap[0]
		}
		merged, err := n.mergeThread(&traces[i], nativeStacks[osThreadID])
		if err != nil {
			if errors.Is(err, ErrMergeMismatch) {
				// A stale unwind table is the usual culprit; reload
				// before the next sample.
				n.shouldReload = true
			}
			return nil, err
		}
		for j := range merged {
			n.cythonMaps.Translate(&merged[j])
		}
		traces[i].OSThreadID = osThreadID
		traces[i].Frames = merged
	}
	return traces, nil
}

// walkThread unwinds one OS thread, also fishing the interpreter-level
// thread id out of the outermost frames' rbx (pthreads keeps it there;
// a massive hack that has held up remarkably well).
func (n *Stack) walkThread(threadIDs map[uint64]bool, thread *proc.Thread) ([]uint64, uint64, error) {
	threadLock, err := thread.Lock()
	if err != nil {
		return nil, 0, err
	}
	defer threadLock.Release()

	cursor, err := n.unwinder.Cursor(thread)
	if err != nil {
		return nil, 0, err
	}

	var stack []uint64
	var pythonThreadID uint64
	for {
		ip, done, err := cursor.Next()
		if err != nil {
			var noBinary *proc.NoBinaryForAddressError
			if errors.As(err, &noBinary) {
				n.shouldReload = true
			}
			return nil, 0, err
		}
		if done {
			break
		}
		stack = append(stack, ip)

		if runtime.GOOS != "windows" {
			if bx := cursor.Bx(); bx != 0 && threadIDs[bx] {
				pythonThreadID = bx
			}
		}
	}
	if runtime.GOOS == "windows" {
		pythonThreadID = thread.ID()
	}
	return stack, pythonThreadID, nil
}

// mergeThread zips one thread's native stack with its interpreted
// frames.
func (n *Stack) mergeThread(t *trace.StackTrace, stack []uint64) ([]trace.Frame, error) {
	var merged []trace.Frame
	pythonFrameIndex := 0

	for _, addr := range stack {
		err := n.unwinder.Symbolicate(addr, true, func(frame *unwind.StackFrame) {
			isPythonModule := frame.Module == n.pythonFilename ||
				(n.libpythonFilename != "" && frame.Module == n.libpythonFilename) ||
				strings.HasPrefix(n.pythonFilename, frame.Module)
			if runtime.GOOS == "windows" {
				isPythonModule = strings.EqualFold(frame.Module, n.pythonFilename)
			}

			if isPythonModule {
				if evalLoopFunctions[frame.Function] {
					// One evaluation loop frame consumes one
					// interpreted frame. Falling off the end here is
					// caught by the count check below.
					if pythonFrameIndex < len(t.Frames) {
						merged = append(merged, t.Frames[pythonFrameIndex])
					}
					pythonFrameIndex++
					return
				}
				if !sleepFunctions[frame.Function] {
					// Interpreter plumbing; drop.
					return
				}
			}

			if cython.IgnoreFrame(frame.Function) || dropFrame(frame.Function, frame.Module) {
				return
			}
			merged = append(merged, n.nativeFrame(frame))
		})
		if err != nil {
			// Can't symbolicate: keep a placeholder so the stack shape
			// survives.
			merged = append(merged, trace.Frame{Name: "?", Filename: "?"})
		}
	}

	if pythonFrameIndex != len(t.Frames) {
		return nil, fmt.Errorf("%w (have %d native eval frames and %d python frames)",
			ErrMergeMismatch, pythonFrameIndex, len(t.Frames))
	}
	return merged, nil
}

// nativeFrame converts a symbolicated frame to an output frame: the
// name demangled (C++, then Cython) and the filename resolved through
// cython.ResolveFilename. Dropping OS thread-start noise and the .pyx
// line translation happen in the callers.
func (n *Stack) nativeFrame(frame *unwind.StackFrame) trace.Frame {
	if frame.Function == "" {
		return trace.Frame{
			Name:     "?",
			Filename: frame.Module,
			Module:   frame.Module,
		}
	}

	name := frame.Function
	if strings.HasPrefix(name, "_") {
		name = demangle.Filter(name, demangle.NoParams)
	}
	name = cython.Demangle(name)

	filename := frame.Module
	if frame.Filename != "" {
		if resolved, ok := cython.ResolveFilename(frame.Filename, frame.Module); ok {
			filename = resolved
		} else {
			filename = frame.Filename
		}
	}

	return trace.Frame{
		Name:     name,
		Filename: filename,
		Line:     frame.Line,
		Module:   frame.Module,
	}
}

// dropFrame reports OS thread-bootstrap frames that only add noise at
// the outermost edge of every stack.
func dropFrame(function, module string) bool {
	switch runtime.GOOS {
	case "darwin":
		return (function == "_start" && strings.Contains(module, "/libdyld.dylib")) ||
			((function == "__pthread_body" || function == "_thread_start") &&
				strings.Contains(module, "/libsystem_pthread"))
	case "windows":
		lower := strings.ToLower(module)
		return (function == "RtlUserThreadStart" && strings.HasSuffix(lower, "ntdll.dll")) ||
			(function == "BaseThreadInitThunk" && strings.HasSuffix(lower, "kernel32.dll"))
	default:
		return ((function == "__libc_start_main" || function == "__clone") &&
			strings.Contains(module, "/libc")) ||
			(function == "start_thread" && strings.Contains(module, "/libpthread"))
	}
}
