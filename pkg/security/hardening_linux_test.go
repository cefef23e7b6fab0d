package security

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// The hardening checks run in a re-executed copy of the test binary: every
// probe is irreversible for the process that applies it.
const (
	envCheck    = "VFHOST_HARDENING_CHECK"
	envCheckDir = "VFHOST_HARDENING_DIR"

	checkMarker = "worker-root-marker"
)

func TestMain(m *testing.M) {
	if name := os.Getenv(envCheck); name != "" {
		if err := runCheck(name, os.Getenv(envCheckDir)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runCheck applies one probe to the current process and verifies that it
// took effect.
func runCheck(name, dir string) error {
	p := SystemProber{}

	switch name {
	case FeatureLandlock:
		if err := p.Landlock(); err != nil {
			return fmt.Errorf("landlock: %w", err)
		}
		f, err := os.Open("/etc/passwd")
		if err == nil {
			f.Close()
			return errors.New("/etc/passwd is still readable")
		}
		if !errors.Is(err, unix.EACCES) {
			return fmt.Errorf("open /etc/passwd: want EACCES, got %w", err)
		}

	case FeatureSeccomp:
		if err := p.Seccomp(); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err == nil {
			unix.Close(fd)
			return errors.New("socket is still allowed")
		}
		if !errors.Is(err, unix.EACCES) {
			return fmt.Errorf("socket: want EACCES, got %w", err)
		}
		// Unaffected syscalls keep working.
		if _, err := os.Getwd(); err != nil {
			return fmt.Errorf("getcwd after seccomp: %w", err)
		}

	case FeatureNamespace:
		if err := p.NamespaceAndRoot(dir); err != nil {
			return fmt.Errorf("namespace: %w", err)
		}
		if _, err := os.Stat("/" + checkMarker); err != nil {
			return fmt.Errorf("root is not the worker directory: %w", err)
		}
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		if wd != "/" {
			return fmt.Errorf("working directory is %q", wd)
		}

	default:
		return fmt.Errorf("unknown check %q", name)
	}
	return nil
}

// runChild re-executes the test binary for one check. It returns the
// child's stderr and whether the child could be started at all.
func runChild(t *testing.T, name, dir string, attr *syscall.SysProcAttr) (string, bool, error) {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(exe, "-test.run=^$")
	cmd.Env = []string{envCheck + "=" + name, envCheckDir + "=" + dir}
	cmd.SysProcAttr = attr
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return err.Error(), false, nil
	}
	err = cmd.Wait()
	return stderr.String(), true, err
}

func TestLandlockDeniesFilesystem(t *testing.T) {
	if _, err := LandlockABI(); err != nil {
		t.Skipf("landlock unavailable: %v", err)
	}

	out, started, err := runChild(t, FeatureLandlock, "", nil)
	require.True(t, started, out)
	require.NoError(t, err, out)
}

func TestSeccompDeniesSockets(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skipf("no seccomp filter for %s", runtime.GOARCH)
	}

	out, started, err := runChild(t, FeatureSeccomp, "", nil)
	require.True(t, started, out)
	require.NoError(t, err, out)
}

func TestNamespaceAndRootChangesRoot(t *testing.T) {
	if !UserNamespacesAvailable() {
		t.Skip("unprivileged user namespaces are disabled")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkMarker), nil, 0o600))

	attr := &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	out, started, err := runChild(t, FeatureNamespace, dir, attr)
	if !started {
		t.Skipf("cannot start a process in a new user namespace: %s", out)
	}
	require.NoError(t, err, out)
}

func TestNamespaceAndRootRefusesInitialNamespace(t *testing.T) {
	uidMap, err := os.ReadFile("/proc/self/uid_map")
	require.NoError(t, err)
	if !isInitialIDMap(uidMap) {
		t.Skip("tests already run inside a user namespace")
	}

	out, started, cerr := runChild(t, FeatureNamespace, t.TempDir(), nil)
	require.True(t, started, out)
	require.Error(t, cerr)
	require.Contains(t, out, errInitialUserNamespace.Error())
}
