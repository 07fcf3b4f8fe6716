//go:build darwin && cgo

package proc

/*
#include <libproc.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/thread_act.h>
#include <sys/sysctl.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"openspy/internal/logging"
)

// Process owns a Mach task port for the target. Reading memory uses
// mach_vm_read_overwrite; pausing uses task_suspend / thread_suspend.
type Process struct {
	Pid  Pid
	task C.task_t

	mu        sync.Mutex
	suspended int
}

// Open acquires the target's task port. task_for_pid requires either root
// or the proper entitlements, so permission failures are common here.
func Open(pid Pid) (*Process, error) {
	var task C.task_t
	kr := C.task_for_pid(C.mach_task_self_, C.int(pid), &task)
	switch kr {
	case C.KERN_SUCCESS:
	case C.KERN_FAILURE, C.KERN_NO_ACCESS:
		return nil, ErrPermissionDenied
	case C.KERN_INVALID_ARGUMENT:
		return nil, ErrProcessGone
	default:
		return nil, &PlatformError{Op: "task_for_pid", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	// Holding the task port is itself the proof of read permission on
	// this platform.
	return &Process{Pid: pid, task: task}, nil
}

// Close releases the task port.
func (p *Process) Close() {
	C.mach_port_deallocate(C.mach_task_self_, C.mach_port_name_t(p.task))
}

// Copy reads size bytes from the target at addr.
func (p *Process) Copy(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	var read C.mach_vm_size_t
	kr := C.mach_vm_read_overwrite(p.task, C.mach_vm_address_t(addr),
		C.mach_vm_size_t(size), C.mach_vm_address_t(uintptr(unsafe.Pointer(&buf[0]))), &read)
	if kr != C.KERN_SUCCESS {
		if kr == C.KERN_INVALID_ADDRESS || kr == C.KERN_PROTECTION_FAILURE {
			return nil, &BadAddressError{Addr: addr, Size: size}
		}
		return nil, &PlatformError{Op: "mach_vm_read", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	if int(read) != size {
		return nil, &BadAddressError{Addr: addr, Size: size}
	}
	return buf, nil
}

// Exe returns the path of the target's executable via proc_pidpath.
func (p *Process) Exe() (string, error) {
	buf := make([]byte, C.PROC_PIDPATHINFO_MAXSIZE)
	n := C.proc_pidpath(C.int(p.Pid), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf)))
	if n <= 0 {
		return "", ErrProcessGone
	}
	return string(buf[:n]), nil
}

// Cwd is not cheaply available on macOS; callers treat it as cosmetic.
func (p *Process) Cwd() (string, error) {
	return "", &PlatformError{Op: "cwd", Err: fmt.Errorf("unavailable on darwin")}
}

// Cmdline reads the target's argument vector from the kern.procargs2
// sysctl.
func (p *Process) Cmdline() ([]string, error) {
	mib := []C.int{C.CTL_KERN, C.KERN_PROCARGS2, C.int(p.Pid)}
	var size C.size_t
	if C.sysctl(&mib[0], 3, nil, &size, nil, 0) != 0 {
		return nil, &PlatformError{Op: "sysctl procargs2", Err: fmt.Errorf("size probe failed")}
	}
	buf := make([]byte, size)
	if C.sysctl(&mib[0], 3, unsafe.Pointer(&buf[0]), &size, nil, 0) != 0 {
		return nil, &PlatformError{Op: "sysctl procargs2", Err: fmt.Errorf("read failed")}
	}
	return parseProcArgs2(buf[:size]), nil
}

// Lock suspends the whole task.
func (p *Process) Lock() (*Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended == 0 {
		if kr := C.task_suspend(p.task); kr != C.KERN_SUCCESS {
			return nil, &PlatformError{Op: "task_suspend", Err: fmt.Errorf("kern_return %d", int(kr))}
		}
	}
	p.suspended++
	return &Lock{proc: p}, nil
}

// Lock holds the target task suspended.
type Lock struct {
	proc *Process
	once sync.Once
}

// Release resumes the task. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		p := l.proc
		p.mu.Lock()
		defer p.mu.Unlock()
		p.suspended--
		if p.suspended == 0 {
			if kr := C.task_resume(p.task); kr != C.KERN_SUCCESS {
				logging.Errorf("proc: failed to resume task for pid %d: kern_return %d", p.Pid, int(kr))
			}
		}
	})
}

// Threads enumerates the task's threads.
func (p *Process) Threads() ([]*Thread, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	if kr := C.task_threads(p.task, &list, &count); kr != C.KERN_SUCCESS {
		return nil, &PlatformError{Op: "task_threads", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	defer C.mach_vm_deallocate(C.mach_task_self_, C.mach_vm_address_t(uintptr(unsafe.Pointer(list))),
		C.mach_vm_size_t(uintptr(count)*unsafe.Sizeof(C.thread_act_t(0))))

	ports := unsafe.Slice((*C.thread_act_t)(unsafe.Pointer(list)), int(count))
	threads := make([]*Thread, 0, int(count))
	for _, port := range ports {
		threads = append(threads, &Thread{proc: p, port: port})
	}
	return threads, nil
}

// Thread is one Mach thread of the target task.
type Thread struct {
	proc *Process
	port C.thread_act_t
}

// ID returns the system-wide thread id for the Mach port.
func (t *Thread) ID() uint64 {
	var info C.thread_identifier_info_data_t
	count := C.mach_msg_type_number_t(C.THREAD_IDENTIFIER_INFO_COUNT)
	if kr := C.thread_info(t.port, C.THREAD_IDENTIFIER_INFO,
		C.thread_info_t(unsafe.Pointer(&info)), &count); kr != C.KERN_SUCCESS {
		return 0
	}
	return uint64(info.thread_id)
}

// Active reports whether the thread is currently running.
func (t *Thread) Active() (bool, error) {
	var info C.thread_basic_info_data_t
	count := C.mach_msg_type_number_t(C.THREAD_BASIC_INFO_COUNT)
	if kr := C.thread_info(t.port, C.THREAD_BASIC_INFO,
		C.thread_info_t(unsafe.Pointer(&info)), &count); kr != C.KERN_SUCCESS {
		return false, &PlatformError{Op: "thread_info", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	return info.run_state == C.TH_STATE_RUNNING, nil
}

// Lock suspends this thread.
func (t *Thread) Lock() (*ThreadLock, error) {
	if kr := C.thread_suspend(t.port); kr != C.KERN_SUCCESS {
		return nil, &PlatformError{Op: "thread_suspend", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	return &ThreadLock{port: t.port}, nil
}

// Registers fetches the thread's x86_64 register state.
func (t *Thread) Registers() (*Registers, error) {
	var state C.x86_thread_state64_t
	count := C.mach_msg_type_number_t(C.x86_THREAD_STATE64_COUNT)
	if kr := C.thread_get_state(t.port, C.x86_THREAD_STATE64,
		C.thread_state_t(unsafe.Pointer(&state)), &count); kr != C.KERN_SUCCESS {
		return nil, &PlatformError{Op: "thread_get_state", Err: fmt.Errorf("kern_return %d", int(kr))}
	}
	return &Registers{
		Rax: uint64(state.__rax), Rdx: uint64(state.__rdx),
		Rcx: uint64(state.__rcx), Rbx: uint64(state.__rbx),
		Rsi: uint64(state.__rsi), Rdi: uint64(state.__rdi),
		Rbp: uint64(state.__rbp), Rsp: uint64(state.__rsp),
		R8: uint64(state.__r8), R9: uint64(state.__r9),
		R10: uint64(state.__r10), R11: uint64(state.__r11),
		R12: uint64(state.__r12), R13: uint64(state.__r13),
		R14: uint64(state.__r14), R15: uint64(state.__r15),
		Rip: uint64(state.__rip),
	}, nil
}

// ThreadLock holds a single thread suspended.
type ThreadLock struct {
	port C.thread_act_t
	once sync.Once
}

// Release resumes the thread. Safe to call more than once.
func (l *ThreadLock) Release() {
	l.once.Do(func() {
		if kr := C.thread_resume(l.port); kr != C.KERN_SUCCESS {
			logging.Errorf("proc: failed to resume thread: kern_return %d", int(kr))
		}
	})
}

// ChildProcesses enumerates descendants via proc_listallpids.
func (p *Process) ChildProcesses() ([]ChildProcess, error) {
	n := C.proc_listallpids(nil, 0)
	if n <= 0 {
		return nil, &PlatformError{Op: "proc_listallpids", Err: fmt.Errorf("size probe failed")}
	}
	pids := make([]C.int, n*2)
	n = C.proc_listallpids(unsafe.Pointer(&pids[0]), C.int(len(pids))*C.int(unsafe.Sizeof(C.int(0))))

	parentsToChildren := make(map[Pid][]ChildProcess)
	for _, pid := range pids[:n] {
		if pid == 0 {
			continue
		}
		var info C.struct_proc_bsdinfo
		if C.proc_pidinfo(pid, C.PROC_PIDTBSDINFO, 0,
			unsafe.Pointer(&info), C.int(unsafe.Sizeof(info))) <= 0 {
			continue
		}
		child := ChildProcess{Pid: Pid(pid), ParentPid: Pid(info.pbi_ppid)}
		parentsToChildren[child.ParentPid] = append(parentsToChildren[child.ParentPid], child)
	}
	return gatherChildrenFromMap(p.Pid, parentsToChildren), nil
}

func gatherChildrenFromMap(root Pid, parentsToChildren map[Pid][]ChildProcess) []ChildProcess {
	result := []ChildProcess{{Pid: root, ParentPid: 0}}
	queue := []Pid{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range parentsToChildren[current] {
			result = append(result, child)
			queue = append(queue, child.Pid)
		}
	}
	return result
}

// parseProcArgs2 pulls argv out of a kern.procargs2 buffer: argc, the exe
// path, padding, then the NUL-separated arguments.
func parseProcArgs2(buf []byte) []string {
	if len(buf) < 4 {
		return nil
	}
	argc := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	rest := buf[4:]

	// Skip the executable path and its padding.
	i := 0
	for i < len(rest) && rest[i] != 0 {
		i++
	}
	for i < len(rest) && rest[i] == 0 {
		i++
	}

	var args []string
	for len(args) < argc && i < len(rest) {
		start := i
		for i < len(rest) && rest[i] != 0 {
			i++
		}
		args = append(args, string(rest[start:i]))
		i++
	}
	return args
}
