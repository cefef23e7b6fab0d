/*
Package security hardens worker processes and reports what could be
hardened.

Three independent features are probed in a fixed order at worker startup:

  - namespace: unshare a user namespace and chroot into the worker
    directory (golang.org/x/sys/unix, libcap/psx for all-thread syscalls)
  - landlock: forbid all filesystem access (raw landlock ABI via x/sys)
  - seccomp: deny networking and process creation with a BPF filter
    assembled with golang.org/x/net/bpf

The result is a Status, sent to the host in the handshake. Detect never
fails; Enforce turns an incomplete status into a RequirementsError when
secure validator mode is on.

Off Linux every feature reports ErrUnsupported. StaticProber stands in
for the system in tests.
*/
package security
