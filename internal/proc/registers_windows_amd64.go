//go:build windows && amd64

package proc

import (
	"golang.org/x/sys/windows"
)

// Registers fetches the thread's current register file. The thread should
// be suspended for the values to be consistent.
func (t *Thread) Registers() (*Registers, error) {
	handle, err := windows.OpenThread(windows.THREAD_GET_CONTEXT, false, t.tid)
	if err != nil {
		return nil, &PlatformError{Op: "OpenThread", Err: err}
	}
	defer windows.CloseHandle(handle)

	var ctx windows.CONTEXT
	ctx.ContextFlags = windows.CONTEXT_CONTROL | windows.CONTEXT_INTEGER
	if err := windows.GetThreadContext(handle, &ctx); err != nil {
		return nil, &PlatformError{Op: "GetThreadContext", Err: err}
	}
	return &Registers{
		Rax: ctx.Rax, Rdx: ctx.Rdx, Rcx: ctx.Rcx, Rbx: ctx.Rbx,
		Rsi: ctx.Rsi, Rdi: ctx.Rdi, Rbp: ctx.Rbp, Rsp: ctx.Rsp,
		R8: ctx.R8, R9: ctx.R9, R10: ctx.R10, R11: ctx.R11,
		R12: ctx.R12, R13: ctx.R13, R14: ctx.R14, R15: ctx.R15,
		Rip: ctx.Rip,
	}, nil
}

// Context returns a CONTEXT suitable for seeding StackWalk64.
func (t *Thread) Context() (*windows.CONTEXT, error) {
	handle, err := windows.OpenThread(windows.THREAD_GET_CONTEXT, false, t.tid)
	if err != nil {
		return nil, &PlatformError{Op: "OpenThread", Err: err}
	}
	defer windows.CloseHandle(handle)

	var ctx windows.CONTEXT
	ctx.ContextFlags = windows.CONTEXT_FULL
	if err := windows.GetThreadContext(handle, &ctx); err != nil {
		return nil, &PlatformError{Op: "GetThreadContext", Err: err}
	}
	return &ctx, nil
}
