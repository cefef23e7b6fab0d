package security

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// SystemProber applies hardening to the calling process using Linux
// kernel facilities.
type SystemProber struct{}

// NewSystemProber returns the prober for this platform.
func NewSystemProber() Prober {
	return SystemProber{}
}

var errInitialUserNamespace = errors.New("process runs in the initial user namespace")

// NamespaceAndRoot requires that the process was started in a fresh user
// and mount namespace. It makes the mount tree private, changes root to
// dir and drops every capability.
func (SystemProber) NamespaceAndRoot(dir string) error {
	if dir == "" {
		return errors.New("no worker directory")
	}

	uidMap, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		return fmt.Errorf("reading uid_map: %w", err)
	}
	if isInitialIDMap(uidMap) {
		return errInitialUserNamespace
	}

	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("chroot %s: %w", dir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after chroot: %w", err)
	}

	if err := cap.NewSet().SetProc(); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}
	if err := cap.ResetAmbient(); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	return nil
}

// isInitialIDMap reports whether an id map covers the whole id space,
// which only the initial user namespace does.
func isInitialIDMap(b []byte) bool {
	fields := bytes.Fields(b)
	return len(fields) == 3 &&
		string(fields[0]) == "0" &&
		string(fields[1]) == "0" &&
		string(fields[2]) == "4294967295"
}

// UserNamespacesAvailable reports whether unprivileged user namespaces
// look enabled on this host. The host uses it to decide whether to ask
// for namespaces when spawning workers.
func UserNamespacesAvailable() bool {
	if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		if len(data) > 0 && data[0] == '0' {
			return false
		}
	}
	if data, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		if string(bytes.TrimSpace(data)) == "0" {
			return false
		}
	}
	return true
}
