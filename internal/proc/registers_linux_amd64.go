//go:build linux && amd64

package proc

import "golang.org/x/sys/unix"

func regsFromPtrace(r *unix.PtraceRegs) *Registers {
	return &Registers{
		Rax: r.Rax, Rdx: r.Rdx, Rcx: r.Rcx, Rbx: r.Rbx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rbp: r.Rbp, Rsp: r.Rsp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rip: r.Rip,
	}
}
