//go:build linux && !amd64 && !arm64

package security

// Seccomp is only implemented for the architectures workers ship on.
func (SystemProber) Seccomp() error {
	return ErrUnsupported
}
