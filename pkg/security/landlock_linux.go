package security

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/psx"
)

const (
	landlockCreateRulesetVersion = 1 << 0

	// Filesystem access rights by ABI version.
	landlockAccessFSV1       = 1<<13 - 1
	landlockAccessFSRefer    = 1 << 13
	landlockAccessFSTruncate = 1 << 14
)

type landlockRulesetAttr struct {
	handledAccessFS uint64
}

// LandlockABI returns the landlock ABI version supported by the kernel, or
// zero with an error.
func LandlockABI() (int, error) {
	abi, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, landlockCreateRulesetVersion)
	if errno != 0 {
		return 0, fmt.Errorf("landlock unavailable: %w", errno)
	}
	return int(abi), nil
}

func landlockHandledAccess(abi int) uint64 {
	access := uint64(landlockAccessFSV1)
	if abi >= 2 {
		access |= landlockAccessFSRefer
	}
	if abi >= 3 {
		access |= landlockAccessFSTruncate
	}
	return access
}

// Landlock denies every filesystem access right known to the kernel, on
// all threads of the process.
func (SystemProber) Landlock() error {
	abi, err := LandlockABI()
	if err != nil {
		return err
	}

	attr := landlockRulesetAttr{handledAccessFS: landlockHandledAccess(abi)}
	fd, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("landlock create ruleset: %w", errno)
	}
	defer unix.Close(int(fd))

	if err := setNoNewPrivs(); err != nil {
		return err
	}

	if _, _, errno := psx.Syscall3(unix.SYS_LANDLOCK_RESTRICT_SELF, fd, 0, 0); errno != 0 {
		return fmt.Errorf("landlock restrict self: %w", errno)
	}
	return nil
}

// setNoNewPrivs is required by both landlock and seccomp for an
// unprivileged process. It must reach every thread.
func setNoNewPrivs() error {
	_, _, errno := psx.Syscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("prctl no_new_privs: %w", errno)
	}
	return nil
}
