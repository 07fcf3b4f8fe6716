package pystack

import (
	"errors"
	"fmt"

	"openspy/internal/config"
	"openspy/internal/logging"
	"openspy/internal/proc"
	"openspy/internal/pybind"
	"openspy/trace"
)

// Traversals of in-target linked structures are bounded: the thread list
// and frame chains can cycle under memory corruption, and unbounded walks
// are also how we detect that a scanned candidate address wasn't really
// an interpreter.
const maxTraversal = 4096

// ErrRecursionLimit means a traversal exceeded the safety bound, which
// almost always means we were walking garbage.
var ErrRecursionLimit = errors.New("max recursion depth reached walking interpreter structures")

// Options control what the walker captures per frame.
type Options struct {
	// CopyLocals captures local variables for each frame.
	CopyLocals bool
	// ReprBudget, when positive, renders each local into a bounded
	// human-readable repr of roughly this many characters.
	ReprBudget int
	// LineNo selects the line number policy.
	LineNo config.LineNo
}

// GetStackTraces walks the interpreter's thread list and produces one
// StackTrace per thread. Per-thread failures abort only that thread.
func GetStackTraces(mem proc.Memory, v pybind.Version, lay *pybind.Layout, interpAddr uint64, pid int, opts Options) ([]trace.StackTrace, error) {
	var traces []trace.StackTrace

	threads, err := proc.CopyPtr(mem, interpAddr+lay.InterpHead)
	if err != nil {
		return nil, fmt.Errorf("pystack: failed to read interpreter thread list: %w", err)
	}

	for count := 0; threads != 0; count++ {
		if count >= maxTraversal {
			return nil, ErrRecursionLimit
		}

		next, err := proc.CopyPtr(mem, threads+lay.ThreadNext)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy PyThreadState: %w", err)
		}
		threadID, err := proc.CopyUint64(mem, threads+lay.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy thread id: %w", err)
		}

		frames, err := WalkThreadFrames(mem, v, lay, threads, opts)
		if err != nil {
			// A recursion-limit hit means the whole structure is
			// suspect (it is also the sanity gate when validating
			// scanned interpreter candidates); anything else aborts
			// just this thread and the rest still get sampled.
			if errors.Is(err, ErrRecursionLimit) {
				return nil, err
			}
			logging.Degraded(fmt.Sprintf("thread-%d-walk", threadID),
				"pystack: failed to walk frames of thread %#x: %v", threadID, err)
			threads = next
			continue
		}

		traces = append(traces, trace.StackTrace{
			Pid:      pid,
			ThreadID: threadID,
			Active:   true,
			Frames:   frames,
		})
		threads = next
	}
	return traces, nil
}

// WalkThreadFrames resolves a thread state's current frame (through the
// cframe holder on releases that have one) and walks the frame chain.
func WalkThreadFrames(mem proc.Memory, v pybind.Version, lay *pybind.Layout, threadAddr uint64, opts Options) ([]trace.Frame, error) {
	framePtr, err := proc.CopyPtr(mem, threadAddr+lay.ThreadFrame)
	if err != nil {
		return nil, fmt.Errorf("pystack: failed to read frame pointer: %w", err)
	}
	if lay.FrameIndirect && framePtr != 0 {
		framePtr, err = proc.CopyPtr(mem, framePtr+lay.CFrameCurrent)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to read current frame holder: %w", err)
		}
	}
	return walkFrames(mem, v, lay, framePtr, opts)
}

func walkFrames(mem proc.Memory, v pybind.Version, lay *pybind.Layout, framePtr uint64, opts Options) ([]trace.Frame, error) {
	var frames []trace.Frame

	for framePtr != 0 {
		if len(frames) >= maxTraversal {
			return nil, ErrRecursionLimit
		}

		codePtr, err := proc.CopyPtr(mem, framePtr+lay.FrameCode)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy frame: %w", err)
		}
		back, err := proc.CopyPtr(mem, framePtr+lay.FrameBack)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy frame back-pointer: %w", err)
		}
		if codePtr == 0 {
			// Entry frames on newer releases carry no code object.
			framePtr = back
			continue
		}

		filenamePtr, err := proc.CopyPtr(mem, codePtr+lay.CodeFilename)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy code object: %w", err)
		}
		filename, err := CopyString(mem, v, filenamePtr)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy filename: %w", err)
		}
		namePtr, err := proc.CopyPtr(mem, codePtr+lay.CodeName)
		if err != nil {
			return nil, err
		}
		name, err := CopyString(mem, v, namePtr)
		if err != nil {
			return nil, fmt.Errorf("pystack: failed to copy function name: %w", err)
		}

		line := int32(0)
		switch opts.LineNo {
		case config.NoLine:
		case config.FirstLineNo:
			first, err := proc.CopyInt32(mem, codePtr+lay.CodeFirstLineno)
			if err != nil {
				return nil, err
			}
			line = first
		case config.LastInstruction:
			line = lastInstructionLine(mem, v, lay, framePtr, codePtr, filename, name)
		}

		var locals []trace.LocalVariable
		if opts.CopyLocals {
			locals, err = copyLocals(mem, v, lay, framePtr, codePtr, opts.ReprBudget)
			if err != nil {
				return nil, err
			}
		}

		frames = append(frames, trace.Frame{
			Name:     name,
			Filename: filename,
			Line:     int(line),
			Locals:   locals,
		})
		framePtr = back
	}
	return frames, nil
}

// lastInstructionLine decodes the code object's line table against the
// frame's last executed instruction. Incidental corruption here must not
// abort the whole sample, so failures degrade to line 0 with a warning.
func lastInstructionLine(mem proc.Memory, v pybind.Version, lay *pybind.Layout, framePtr, codePtr uint64, filename, name string) int32 {
	lasti, err := frameLasti(mem, lay, framePtr, codePtr)
	if err == nil {
		var first int32
		if first, err = proc.CopyInt32(mem, codePtr+lay.CodeFirstLineno); err == nil {
			var tablePtr uint64
			if tablePtr, err = proc.CopyPtr(mem, codePtr+lay.CodeLineTable); err == nil {
				var table []byte
				if table, err = CopyBytes(mem, v, tablePtr); err == nil {
					return DecodeLineTable(lay.LineTable, lasti, first, table)
				}
			}
		}
	}
	logging.Degraded(filename+"."+name+"-lineno",
		"pystack: failed to get line number from %s.%s: %v", filename, name, err)
	return 0
}

// frameLasti returns the frame's last executed instruction as a byte
// offset into the bytecode (an instruction index on 3.10, which its
// decoder accounts for). On 3.11+ the field is a pointer into
// co_code_adaptive rather than an index.
func frameLasti(mem proc.Memory, lay *pybind.Layout, framePtr, codePtr uint64) (int64, error) {
	if !lay.LastiIsPointer {
		lasti, err := proc.CopyInt32(mem, framePtr+lay.FrameLasti)
		return int64(lasti), err
	}
	prevInstr, err := proc.CopyPtr(mem, framePtr+lay.FrameLasti)
	if err != nil {
		return 0, err
	}
	codeStart := codePtr + lay.CodeAdaptive
	if prevInstr < codeStart {
		return 0, nil
	}
	return int64(prevInstr - codeStart), nil
}

// copyLocals reads the frame's trailing localsplus array: one object
// pointer per declared local, names in the varnames tuple, the first
// argcount of which are arguments.
func copyLocals(mem proc.Memory, v pybind.Version, lay *pybind.Layout, framePtr, codePtr uint64, reprBudget int) ([]trace.LocalVariable, error) {
	nlocals, err := proc.CopyInt32(mem, codePtr+lay.CodeNlocals)
	if err != nil {
		return nil, err
	}
	argcount, err := proc.CopyInt32(mem, codePtr+lay.CodeArgcount)
	if err != nil {
		return nil, err
	}
	if nlocals < 0 || nlocals > maxTraversal {
		return nil, fmt.Errorf("pystack: implausible local count %d", nlocals)
	}
	varnames, err := proc.CopyPtr(mem, codePtr+lay.CodeVarnames)
	if err != nil {
		return nil, err
	}

	var locals []trace.LocalVariable
	for i := int32(0); i < nlocals; i++ {
		addr, err := proc.CopyPtr(mem, framePtr+lay.FrameLocals+uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if addr == 0 {
			continue
		}
		namePtr, err := proc.CopyPtr(mem, tupleItemAddr(varnames, uint64(i)))
		if err != nil {
			return nil, err
		}
		name, err := CopyString(mem, v, namePtr)
		if err != nil {
			return nil, err
		}

		local := trace.LocalVariable{Name: name, Addr: addr, Arg: i < argcount}
		if reprBudget > 0 {
			repr, err := FormatVariable(mem, v, addr, reprBudget)
			if err != nil {
				// An unreadable value isn't fatal; show the failure
				// in place of the repr.
				repr = "<?>"
			}
			local.Repr = repr
		}
		locals = append(locals, local)
	}
	return locals, nil
}
