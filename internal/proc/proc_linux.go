//go:build linux

package proc

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"openspy/internal/logging"
)

// Process owns the rights needed to read a target's memory and pause its
// threads. On Linux reads go through process_vm_readv and pausing uses
// ptrace attach/detach.
//
// The kernel ties every ptrace tracee to the exact OS thread that
// attached to it: requests from any other thread fail with ESRCH, and
// the Go scheduler migrates goroutines between threads whenever it
// likes. All ptrace calls for a handle are therefore funneled through
// one goroutine pinned with LockOSThread for the handle's lifetime.
type Process struct {
	Pid Pid

	// attachMu guards the refcounted attach state so that a
	// process-wide lock and an individually acquired thread lock for
	// the same thread never double-ptrace.
	attachMu sync.Mutex
	attached map[int]*attachState

	// mu guards ops against Close.
	mu     sync.Mutex
	ops    chan func()
	closed bool
}

type attachState struct {
	refs int
}

// Open opens a target process and verifies that its memory is readable.
func Open(pid Pid) (*Process, error) {
	p := &Process{
		Pid:      pid,
		attached: make(map[int]*attachState),
		ops:      make(chan func()),
	}
	go p.ptraceLoop()

	maps, err := p.Maps()
	if err != nil {
		p.Close()
		return nil, err
	}
	if len(maps) == 0 {
		p.Close()
		return nil, fmt.Errorf("proc: empty memory map for pid %d: %w", pid, ErrProcessGone)
	}

	// Probe a single word so permission failures surface at open time
	// instead of at the first sample.
	if _, err := p.Copy(maps[0].Start, 8); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// ptraceLoop serves every ptrace request for this handle from a single
// locked OS thread.
func (p *Process) ptraceLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range p.ops {
		fn()
	}
}

// ptraceDo runs fn on the handle's ptrace thread and waits for it.
func (p *Process) ptraceDo(fn func() error) error {
	done := make(chan error, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessGone
	}
	p.ops <- func() { done <- fn() }
	p.mu.Unlock()
	return <-done
}

// Close detaches anything still attached and releases the ptrace
// thread. The handle must not be used afterwards.
func (p *Process) Close() {
	p.attachMu.Lock()
	for tid := range p.attached {
		_ = p.ptraceDo(func() error { return unix.PtraceDetach(tid) })
		delete(p.attached, tid)
	}
	p.attachMu.Unlock()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ops)
	}
	p.mu.Unlock()
}

// Copy reads size bytes from the target at addr via process_vm_readv.
// Unlike ptrace, process_vm_readv has no thread affinity.
func (p *Process) Copy(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(size)}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}

	n, err := unix.ProcessVMReadv(p.Pid, local, remote, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return nil, ErrProcessGone
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return nil, ErrPermissionDenied
		case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO):
			return nil, &BadAddressError{Addr: addr, Size: size}
		default:
			return nil, &PlatformError{Op: "process_vm_readv", Err: err}
		}
	}
	if n != size {
		return nil, &BadAddressError{Addr: addr, Size: size}
	}
	return buf, nil
}

// Exe returns the path of the target's executable.
func (p *Process) Exe() (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", p.Pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrProcessGone
		}
		return "", &PlatformError{Op: "readlink exe", Err: err}
	}
	return path, nil
}

// Cwd returns the target's working directory.
func (p *Process) Cwd() (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", p.Pid))
	if err != nil {
		return "", &PlatformError{Op: "readlink cwd", Err: err}
	}
	return path, nil
}

// Cmdline returns the target's command line arguments.
func (p *Process) Cmdline() ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", p.Pid))
	if err != nil {
		return nil, &PlatformError{Op: "read cmdline", Err: err}
	}
	args := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return args, nil
}

// Maps returns the target's current virtual memory map.
func (p *Process) Maps() (Maps, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.Pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProcessGone
		}
		if os.IsPermission(err) {
			return nil, ErrPermissionDenied
		}
		return nil, &PlatformError{Op: "open maps", Err: err}
	}
	defer f.Close()
	return parseMaps(f)
}

// Threads returns a best-effort snapshot of the target's threads. The set
// can race with thread creation and exit.
func (p *Process) Threads() ([]*Thread, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", p.Pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProcessGone
		}
		return nil, &PlatformError{Op: "read task dir", Err: err}
	}

	var threads []*Thread
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		threads = append(threads, &Thread{proc: p, Tid: tid})
	}
	return threads, nil
}

// Lock suspends every thread of the target and returns a guard that
// resumes them when released. Threads created while we are attaching are
// picked up by re-enumerating until a full pass observes no new thread.
func (p *Process) Lock() (*Lock, error) {
	lock := &Lock{proc: p}
	seen := make(map[int]bool)
	for {
		done := true
		threads, err := p.Threads()
		if err != nil {
			lock.Release()
			return nil, err
		}
		for _, t := range threads {
			if seen[t.Tid] {
				continue
			}
			seen[t.Tid] = true
			done = false
			if err := p.attach(t.Tid); err != nil {
				// The thread may have exited between enumeration
				// and attach.
				if errors.Is(err, ErrProcessGone) {
					continue
				}
				lock.Release()
				return nil, err
			}
			lock.tids = append(lock.tids, t.Tid)
		}
		if done {
			return lock, nil
		}
	}
}

// attach ptrace-attaches to tid on the handle's ptrace thread, or bumps
// the refcount if this handle already holds it.
func (p *Process) attach(tid int) error {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	if state, ok := p.attached[tid]; ok {
		state.refs++
		return nil
	}

	err := p.ptraceDo(func() error {
		if err := unix.PtraceAttach(tid); err != nil {
			switch {
			case errors.Is(err, unix.ESRCH):
				return ErrProcessGone
			case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
				return ErrPermissionDenied
			default:
				return &PlatformError{Op: fmt.Sprintf("ptrace attach %d", tid), Err: err}
			}
		}
		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, unix.WSTOPPED|unix.WALL, nil); err != nil {
			_ = unix.PtraceDetach(tid)
			return &PlatformError{Op: fmt.Sprintf("wait for stop %d", tid), Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.attached[tid] = &attachState{refs: 1}
	return nil
}

// detach drops one reference on tid and ptrace-detaches when it reaches
// zero. A failed detach is logged rather than propagated: the thread has
// usually just exited.
func (p *Process) detach(tid int) {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	state, ok := p.attached[tid]
	if !ok {
		return
	}
	state.refs--
	if state.refs > 0 {
		return
	}
	delete(p.attached, tid)
	err := p.ptraceDo(func() error { return unix.PtraceDetach(tid) })
	if err != nil && !errors.Is(err, unix.ESRCH) && !errors.Is(err, ErrProcessGone) {
		logging.Errorf("proc: failed to detach from thread %d: %v", tid, err)
	}
}

// Lock holds the whole target stopped. Release resumes the threads in
// reverse attach order.
type Lock struct {
	proc *Process
	tids []int
}

// Release resumes every thread the lock suspended. Safe to call more than
// once.
func (l *Lock) Release() {
	for i := len(l.tids) - 1; i >= 0; i-- {
		l.proc.detach(l.tids[i])
	}
	l.tids = nil
}

// Thread is one OS thread of a target process.
type Thread struct {
	proc *Process
	Tid  int
}

// ID returns the OS thread id.
func (t *Thread) ID() uint64 { return uint64(t.Tid) }

// Active reports whether the thread is currently runnable, from the state
// field of /proc/<pid>/task/<tid>/stat.
func (t *Thread) Active() (bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", t.proc.Pid, t.Tid))
	if err != nil {
		return false, ErrProcessGone
	}
	// The comm field is parenthesized and may contain spaces; the state
	// letter follows the closing parenthesis.
	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false, fmt.Errorf("proc: malformed stat for thread %d", t.Tid)
	}
	state := stat[i+2]
	return state == 'R', nil
}

// Lock suspends just this thread. Suspension is refcounted against any
// process-wide lock held through the same Process handle.
func (t *Thread) Lock() (*ThreadLock, error) {
	if err := t.proc.attach(t.Tid); err != nil {
		return nil, err
	}
	return &ThreadLock{proc: t.proc, tid: t.Tid}, nil
}

// Registers fetches the thread's current register file. The thread must
// be suspended, and the request runs on the thread that attached it.
func (t *Thread) Registers() (*Registers, error) {
	var regs unix.PtraceRegs
	err := t.proc.ptraceDo(func() error {
		if err := unix.PtraceGetRegs(t.Tid, &regs); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return ErrProcessGone
			}
			return &PlatformError{Op: fmt.Sprintf("ptrace getregs %d", t.Tid), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regsFromPtrace(&regs), nil
}

// ThreadLock holds a single thread suspended.
type ThreadLock struct {
	proc *Process
	tid  int
}

// Release resumes the thread. Safe to call more than once.
func (l *ThreadLock) Release() {
	if l.proc == nil {
		return
	}
	l.proc.detach(l.tid)
	l.proc = nil
}
