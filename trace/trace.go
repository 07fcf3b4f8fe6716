// Package trace defines the output records produced by sampling: one
// StackTrace per interpreter thread per sample, made of Frames.
package trace

import "fmt"

// StackTrace is the call stack of a single interpreter thread at the
// moment a sample was taken.
type StackTrace struct {
	// Pid is the process that generated this stack trace.
	Pid int
	// ThreadID is the interpreter-level thread id.
	ThreadID uint64
	// ThreadName is the interpreter-level thread name, when known.
	ThreadName string
	// OSThreadID is the operating system thread id, when known (0 otherwise).
	OSThreadID uint64
	// Active reports whether the thread was running when sampled.
	Active bool
	// OwnsGIL reports whether the thread held the GIL when sampled.
	OwnsGIL bool
	// Frames holds the call stack, innermost first.
	Frames []Frame
	// Process describes the owning process and its ancestry, when
	// subprocess following is enabled.
	Process *ProcessInfo
}

// Frame is a single function call in a stack trace.
type Frame struct {
	// Name is the function name.
	Name string
	// Filename is the full path of the source file.
	Filename string
	// Module is the shared library or executable the frame came from;
	// only set for native frames.
	Module string
	// ShortFilename is a more readable rendition of Filename.
	ShortFilename string
	// Line is the line number, or 0 when unknown (native frames without
	// line info, or a line table that failed to decode).
	Line int
	// Locals holds the frame's local variables when requested.
	Locals []LocalVariable
}

// LocalVariable is a local (or argument) captured from a sampled frame.
type LocalVariable struct {
	Name string
	// Addr is the address of the value in the target's memory.
	Addr uint64
	// Arg reports whether the variable is a function argument.
	Arg bool
	// Repr is a bounded human-readable rendition of the value, when
	// requested.
	Repr string
}

// ProcessInfo describes a sampled process and, transitively, its parents.
type ProcessInfo struct {
	Pid         int
	CommandLine string
	Parent      *ProcessInfo
}

// StatusStr summarizes the thread's scheduling and GIL state.
func (t *StackTrace) StatusStr() string {
	switch {
	case !t.Active:
		return "idle"
	case t.OwnsGIL:
		return "active+gil"
	default:
		return "active"
	}
}

// FormatThreadID renders the best thread identifier we have: the OS thread
// id when known, otherwise the interpreter thread id in hex.
func (t *StackTrace) FormatThreadID() string {
	if t.OSThreadID != 0 {
		return fmt.Sprintf("%d", t.OSThreadID)
	}
	return fmt.Sprintf("%#X", t.ThreadID)
}

// Frame renders a process as a synthetic frame for consumers that show the
// process tree inline with the stacks.
func (p *ProcessInfo) Frame() Frame {
	return Frame{
		Name: fmt.Sprintf("process %d:%q", p.Pid, p.CommandLine),
	}
}
