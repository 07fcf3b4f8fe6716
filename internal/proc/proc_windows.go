//go:build windows

package proc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"openspy/internal/logging"
)

var (
	ntdll            = windows.NewLazySystemDLL("ntdll.dll")
	ntSuspendProcess = ntdll.NewProc("NtSuspendProcess")
	ntResumeProcess  = ntdll.NewProc("NtResumeProcess")

	psapi                 = windows.NewLazySystemDLL("psapi.dll")
	enumProcessModulesEx  = psapi.NewProc("EnumProcessModulesEx")
	getModuleInformation  = psapi.NewProc("GetModuleInformation")
	getModuleFileNameExW  = psapi.NewProc("GetModuleFileNameExW")
)

// Process owns a HANDLE with read/query/suspend rights on the target.
type Process struct {
	Pid    Pid
	handle windows.Handle

	mu        sync.Mutex
	suspended int
}

// Open opens the target and verifies memory access rights.
func Open(pid Pid) (*Process, error) {
	handle, err := windows.OpenProcess(
		windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_SUSPEND_RESUME,
		false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil, ErrPermissionDenied
		}
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil, ErrProcessGone
		}
		return nil, &PlatformError{Op: "OpenProcess", Err: err}
	}
	return &Process{Pid: pid, handle: handle}, nil
}

// Close releases the process handle.
func (p *Process) Close() {
	windows.CloseHandle(p.handle)
}

// Copy reads size bytes from the target at addr.
func (p *Process) Copy(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	var read uintptr
	err := windows.ReadProcessMemory(p.handle, uintptr(addr), &buf[0], uintptr(size), &read)
	if err != nil {
		if errors.Is(err, windows.ERROR_PARTIAL_COPY) || errors.Is(err, windows.ERROR_NOACCESS) {
			return nil, &BadAddressError{Addr: addr, Size: size}
		}
		return nil, &PlatformError{Op: "ReadProcessMemory", Err: err}
	}
	if int(read) != size {
		return nil, &BadAddressError{Addr: addr, Size: size}
	}
	return buf, nil
}

// Exe returns the path of the target's executable.
func (p *Process) Exe() (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(p.handle, 0, &buf[0], &size); err != nil {
		return "", ErrProcessGone
	}
	return windows.UTF16ToString(buf[:size]), nil
}

// Cwd is not cheaply available on Windows; callers treat it as cosmetic.
func (p *Process) Cwd() (string, error) {
	return "", &PlatformError{Op: "cwd", Err: fmt.Errorf("unavailable on windows")}
}

// Cmdline approximates the command line with the executable path.
func (p *Process) Cmdline() ([]string, error) {
	exe, err := p.Exe()
	if err != nil {
		return nil, err
	}
	return []string{exe}, nil
}

// Maps approximates a memory map from the loaded module list. The
// ContainsAddr filter is intentionally permissive here; validating
// candidate pointers falls back to attempting the read.
func (p *Process) Maps() (Maps, error) {
	var needed uint32
	modules := make([]windows.Handle, 1024)
	r, _, err := enumProcessModulesEx.Call(uintptr(p.handle),
		uintptr(unsafe.Pointer(&modules[0])),
		uintptr(len(modules))*unsafe.Sizeof(modules[0]),
		uintptr(unsafe.Pointer(&needed)), 0x03)
	if r == 0 {
		return nil, &PlatformError{Op: "EnumProcessModulesEx", Err: err}
	}
	count := int(needed) / int(unsafe.Sizeof(modules[0]))
	if count > len(modules) {
		count = len(modules)
	}

	type moduleInfo struct {
		BaseOfDll   uintptr
		SizeOfImage uint32
		EntryPoint  uintptr
	}

	var maps Maps
	for _, mod := range modules[:count] {
		var info moduleInfo
		r, _, _ := getModuleInformation.Call(uintptr(p.handle), uintptr(mod),
			uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info))
		if r == 0 {
			continue
		}
		name := make([]uint16, windows.MAX_PATH)
		r, _, _ = getModuleFileNameExW.Call(uintptr(p.handle), uintptr(mod),
			uintptr(unsafe.Pointer(&name[0])), uintptr(len(name)))
		filename := ""
		if r != 0 {
			filename = windows.UTF16ToString(name)
		}
		maps = append(maps, MapRange{
			Start:    uint64(info.BaseOfDll),
			End:      uint64(info.BaseOfDll) + uint64(info.SizeOfImage),
			Read:     true,
			Exec:     true,
			Filename: filename,
		})
	}
	return maps, nil
}

// Lock suspends the whole process with NtSuspendProcess.
func (p *Process) Lock() (*Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended == 0 {
		if r, _, err := ntSuspendProcess.Call(uintptr(p.handle)); r != 0 {
			return nil, &PlatformError{Op: "NtSuspendProcess", Err: err}
		}
	}
	p.suspended++
	return &Lock{proc: p}, nil
}

// Lock holds the target suspended.
type Lock struct {
	proc *Process
	once sync.Once
}

// Release resumes the target. Leaving a process suspended is worse than
// crashing the observer, so a failed resume aborts.
func (l *Lock) Release() {
	l.once.Do(func() {
		p := l.proc
		p.mu.Lock()
		defer p.mu.Unlock()
		p.suspended--
		if p.suspended == 0 {
			if r, _, err := ntResumeProcess.Call(uintptr(p.handle)); r != 0 {
				logging.Fatalf("proc: failed to resume process %d, aborting rather than leaving it suspended: %v", p.Pid, err)
			}
		}
	})
}

// Threads snapshots the target's threads via Toolhelp.
func (p *Process) Threads() ([]*Thread, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, &PlatformError{Op: "CreateToolhelp32Snapshot", Err: err}
	}
	defer windows.CloseHandle(snapshot)

	var threads []*Thread
	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Thread32First(snapshot, &entry)
	for err == nil {
		if entry.OwnerProcessID == uint32(p.Pid) {
			threads = append(threads, &Thread{proc: p, tid: entry.ThreadID})
		}
		err = windows.Thread32Next(snapshot, &entry)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, &PlatformError{Op: "Thread32Next", Err: err}
	}
	return threads, nil
}

// ChildProcesses walks the system process snapshot and returns the
// transitive closure of the target's children.
func (p *Process) ChildProcesses() ([]ChildProcess, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, &PlatformError{Op: "CreateToolhelp32Snapshot", Err: err}
	}
	defer windows.CloseHandle(snapshot)

	parentsToChildren := make(map[Pid][]ChildProcess)
	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Process32First(snapshot, &entry)
	for err == nil {
		child := ChildProcess{Pid: Pid(entry.ProcessID), ParentPid: Pid(entry.ParentProcessID)}
		parentsToChildren[child.ParentPid] = append(parentsToChildren[child.ParentPid], child)
		err = windows.Process32Next(snapshot, &entry)
	}

	result := []ChildProcess{{Pid: p.Pid, ParentPid: 0}}
	queue := []Pid{p.Pid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range parentsToChildren[current] {
			result = append(result, child)
			queue = append(queue, child.Pid)
		}
	}
	return result, nil
}

// Thread is one OS thread of the target.
type Thread struct {
	proc *Process
	tid  uint32
}

// ID returns the OS thread id.
func (t *Thread) ID() uint64 { return uint64(t.tid) }

// Active is not derivable without a wait-chain query; report active so the
// idle filter never drops threads spuriously.
func (t *Thread) Active() (bool, error) { return true, nil }

// Lock suspends just this thread.
func (t *Thread) Lock() (*ThreadLock, error) {
	handle, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME|windows.THREAD_GET_CONTEXT,
		false, t.tid)
	if err != nil {
		return nil, &PlatformError{Op: "OpenThread", Err: err}
	}
	if _, err := windows.SuspendThread(handle); err != nil {
		windows.CloseHandle(handle)
		return nil, &PlatformError{Op: "SuspendThread", Err: err}
	}
	return &ThreadLock{handle: handle}, nil
}

// ThreadLock holds a single thread suspended.
type ThreadLock struct {
	handle windows.Handle
	once   sync.Once
}

// Release resumes the thread. Safe to call more than once.
func (l *ThreadLock) Release() {
	l.once.Do(func() {
		if _, err := windows.ResumeThread(l.handle); err != nil {
			logging.Fatalf("proc: failed to resume thread, aborting rather than leaving it suspended: %v", err)
		}
		windows.CloseHandle(l.handle)
	})
}

// Handle exposes the raw process handle for the unwinder's StackWalk64.
func (p *Process) Handle() windows.Handle { return p.handle }

// Is32BitTarget reports whether the target is a 32-bit process running
// under WOW64. 32-bit targets are not supported.
func (p *Process) Is32BitTarget() bool {
	var wow64 bool
	if err := windows.IsWow64Process(p.handle, &wow64); err != nil {
		return false
	}
	return wow64
}

