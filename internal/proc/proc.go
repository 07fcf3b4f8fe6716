// Package proc is the remote-process facade: it opens a target by pid,
// reads its memory, enumerates and pauses its threads, and walks its
// descendants. Everything else in the profiler sits on top of this
// package's Memory interface.
package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Pid identifies a target process.
type Pid = int

// Memory reads raw bytes out of a target's address space.
type Memory interface {
	// Copy reads size bytes starting at addr. A short or failed read
	// returns BadAddressError (unmapped) or a PlatformError.
	Copy(addr uint64, size int) ([]byte, error)
}

// Sentinel errors for the failure modes callers branch on.
var (
	// ErrProcessGone means the target cannot be opened or disappeared
	// mid-sample.
	ErrProcessGone = errors.New("process does not exist or has exited")
	// ErrPermissionDenied means the kernel refused to attach to or read
	// the target.
	ErrPermissionDenied = errors.New("permission denied attaching to process")
)

// BadAddressError means a memory copy referenced an unmapped range.
type BadAddressError struct {
	Addr uint64
	Size int
}

func (e *BadAddressError) Error() string {
	return fmt.Sprintf("failed to copy %d bytes at 0x%016x", e.Size, e.Addr)
}

// NoBinaryForAddressError means the native unwinder stepped outside every
// known module; the binary cache should be reloaded before the next sample.
type NoBinaryForAddressError struct {
	Addr uint64
}

func (e *NoBinaryForAddressError) Error() string {
	return fmt.Sprintf("no loaded binary covers address 0x%016x", e.Addr)
}

// PlatformError wraps an unclassified OS failure.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// CopyUint64 reads a little-endian 8-byte word at addr.
func CopyUint64(m Memory, addr uint64) (uint64, error) {
	b, err := m.Copy(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// CopyUint32 reads a little-endian 4-byte word at addr.
func CopyUint32(m Memory, addr uint64) (uint32, error) {
	b, err := m.Copy(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// CopyInt32 reads a little-endian signed 4-byte word at addr.
func CopyInt32(m Memory, addr uint64) (int32, error) {
	v, err := CopyUint32(m, addr)
	return int32(v), err
}

// CopyInt64 reads a little-endian signed 8-byte word at addr.
func CopyInt64(m Memory, addr uint64) (int64, error) {
	v, err := CopyUint64(m, addr)
	return int64(v), err
}

// CopyPtr reads a pointer-sized word at addr. Targets are 64-bit only.
func CopyPtr(m Memory, addr uint64) (uint64, error) {
	return CopyUint64(m, addr)
}

// ChildProcess is a (pid, parent pid) pair from the system process table.
type ChildProcess struct {
	Pid       Pid
	ParentPid Pid
}
