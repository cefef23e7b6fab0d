//go:build linux && (amd64 || arm64)

package security

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	seccompSetModeFilter   = 1
	seccompFilterFlagTSync = 1

	seccompRetKillProcess = 0x80000000
	seccompRetErrno       = 0x00050000
	seccompRetAllow       = 0x7fff0000

	// Offsets into struct seccomp_data.
	seccompDataNR   = 0
	seccompDataArch = 4
)

// blockedSyscalls fail with EACCES inside a hardened worker. The worker
// needs no new network endpoints and no way to inspect other processes.
var blockedSyscalls = []uint32{
	unix.SYS_SOCKET,
	unix.SYS_SOCKETPAIR,
	unix.SYS_CONNECT,
	unix.SYS_ACCEPT,
	unix.SYS_ACCEPT4,
	unix.SYS_BIND,
	unix.SYS_LISTEN,
	unix.SYS_PTRACE,
	unix.SYS_IO_URING_SETUP,
}

// seccompFilter assembles the worker's syscall filter. Foreign
// architectures and foreign ABIs (x32 on amd64) kill the process outright.
func seccompFilter() ([]bpf.RawInstruction, error) {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.LoadAbsolute{Off: seccompDataNR, Size: 4},
	}
	if foreignSyscallBit != 0 {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: foreignSyscallBit, SkipFalse: 1},
			bpf.RetConstant{Val: seccompRetKillProcess},
		)
	}
	for _, nr := range blockedSyscalls {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: nr, SkipFalse: 1},
			bpf.RetConstant{Val: seccompRetErrno | uint32(unix.EACCES)},
		)
	}
	prog = append(prog, bpf.RetConstant{Val: seccompRetAllow})

	return bpf.Assemble(prog)
}

// Seccomp installs the filter on every thread of the process.
func (SystemProber) Seccomp() error {
	raw, err := seccompFilter()
	if err != nil {
		return fmt.Errorf("assembling seccomp filter: %w", err)
	}

	filters := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filters)), Filter: &filters[0]}

	if err := setNoNewPrivs(); err != nil {
		return err
	}

	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, seccompFilterFlagTSync,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("seccomp set filter: %w", errno)
	}
	return nil
}
