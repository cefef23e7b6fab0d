//go:build linux && (amd64 || arm64)

package security

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// seccompData lays out struct seccomp_data for the bpf test VM, which
// loads words in network byte order.
func seccompData(nr, arch uint32) []byte {
	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b[seccompDataNR:], nr)
	binary.BigEndian.PutUint32(b[seccompDataArch:], arch)
	return b
}

func TestSeccompFilter(t *testing.T) {
	raw, err := seccompFilter()
	require.NoError(t, err)

	prog, ok := bpf.Disassemble(raw)
	require.True(t, ok)
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)

	run := func(nr, arch uint32) uint32 {
		ret, err := vm.Run(seccompData(nr, arch))
		require.NoError(t, err)
		return uint32(ret)
	}

	for _, nr := range blockedSyscalls {
		assert.Equal(t, uint32(seccompRetErrno|uint32(unix.EACCES)), run(nr, auditArch), "syscall %d", nr)
	}

	for _, nr := range []uint32{unix.SYS_READ, unix.SYS_WRITE, unix.SYS_MMAP, unix.SYS_EXIT_GROUP} {
		assert.Equal(t, uint32(seccompRetAllow), run(nr, auditArch), "syscall %d", nr)
	}

	assert.Equal(t, uint32(seccompRetKillProcess), run(unix.SYS_READ, auditArch+1))

	if foreignSyscallBit != 0 {
		for _, nr := range []uint32{unix.SYS_SOCKET, unix.SYS_READ} {
			assert.Equal(t, uint32(seccompRetKillProcess), run(foreignSyscallBit|nr, auditArch), "x32 syscall %d", nr)
		}
	}
}
