package security

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_AARCH64

// arm64 has no second ABI under the same audit arch.
const foreignSyscallBit = 0
