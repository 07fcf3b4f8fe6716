//go:build linux

package proc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"openspy/internal/logging"
)

// Dockerized reports whether the target runs in a different mount
// namespace than we do, which is the case for containerized targets.
func Dockerized(pid Pid) (bool, error) {
	selfMnt, err := os.Readlink("/proc/self/ns/mnt")
	if err != nil {
		return false, &PlatformError{Op: "readlink self mnt ns", Err: err}
	}
	targetMnt, err := os.Readlink(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		return false, &PlatformError{Op: "readlink target mnt ns", Err: err}
	}
	return selfMnt != targetMnt, nil
}

// Namespace switches the calling thread into the target's mount namespace
// so that library paths observed in its memory map resolve. Restore
// switches back.
type Namespace struct {
	selfNs *os.File
}

// EnterNamespace joins the target's mount namespace if it differs from
// ours. The returned Namespace restores the original namespace; it is a
// no-op when the namespaces already match.
func EnterNamespace(pid Pid) (*Namespace, error) {
	different, err := Dockerized(pid)
	if err != nil {
		return nil, err
	}
	if !different {
		return &Namespace{}, nil
	}

	// Open our own namespace first; it gets trickier after switching.
	selfNs, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		return nil, &PlatformError{Op: "open self mnt ns", Err: err}
	}
	target, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		selfNs.Close()
		return nil, &PlatformError{Op: "open target mnt ns", Err: err}
	}
	defer target.Close()

	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNS); err != nil {
		selfNs.Close()
		return nil, &PlatformError{Op: "setns", Err: err}
	}
	return &Namespace{selfNs: selfNs}, nil
}

// Restore switches back to the namespace we started in.
func (n *Namespace) Restore() {
	if n.selfNs == nil {
		return
	}
	if err := unix.Setns(int(n.selfNs.Fd()), unix.CLONE_NEWNS); err != nil {
		logging.Errorf("proc: failed to restore mount namespace: %v", err)
	}
	n.selfNs.Close()
	n.selfNs = nil
}
